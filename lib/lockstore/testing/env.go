package testing

import (
	"os"
	"sync"
	"testing"

	"github.com/joho/godotenv"
)

var loadEnvOnce sync.Once

// loadEnv reads .env and .env.local from the working directory and its parents
// (up to the module root) without overriding variables that are already set.
func loadEnv() {
	for _, dir := range []string{".", "..", "../..", "../../.."} {
		for _, name := range []string{".env.local", ".env"} {
			_ = godotenv.Load(dir + "/" + name)
		}
	}
}

// RequireEnv returns the value of the environment variable name and skips the
// test if it is not set. Integration tests against real servers use it to stay
// out of the way when no server is configured.
func RequireEnv(t testing.TB, name string) string {
	t.Helper()
	loadEnvOnce.Do(loadEnv)
	val := os.Getenv(name)
	if val == "" {
		t.Skipf("%s not set, skipping integration test", name)
	}
	return val
}
