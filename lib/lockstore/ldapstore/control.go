package ldapstore

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// ControlTypeAssertion is the OID of the LDAP assertion control (RFC 4528).
const ControlTypeAssertion = "1.3.6.1.1.12"

// AssertionControl makes the server apply an update only if the target entry
// matches an equality assertion, it fails the update with result code 122
// (assertion failed) otherwise. The store asserts the exact payload it read,
// which turns Modify and Del into compare-and-swap operations.
type AssertionControl struct {
	Attribute string
	Value     string
}

// NewAssertionControl creates a critical assertion control for attribute=value.
func NewAssertionControl(attribute, value string) *AssertionControl {
	return &AssertionControl{Attribute: attribute, Value: value}
}

// Filter returns the string form of the asserted filter.
func (c *AssertionControl) Filter() string {
	return fmt.Sprintf("(%s=%s)", c.Attribute, ldap.EscapeFilter(c.Value))
}

// GetControlType returns the OID
func (c *AssertionControl) GetControlType() string {
	return ControlTypeAssertion
}

// Encode returns the ber packet representation: the control value is the
// BER encoded filter.
func (c *AssertionControl) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ControlTypeAssertion, "Control Type (Assertion)"))
	packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Criticality"))

	filter, err := ldap.CompileFilter(c.Filter())
	if err != nil {
		// EscapeFilter makes every value compilable, keep the control well-formed anyway
		filter = ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "Invalid Filter")
	}
	value := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value (Assertion)")
	value.AppendChild(filter)
	packet.AppendChild(value)
	return packet
}

// String returns a human-readable description
func (c *AssertionControl) String() string {
	return fmt.Sprintf("Control Type: %s (%q)  Criticality: true  Filter: %s", "Assertion", ControlTypeAssertion, c.Filter())
}
