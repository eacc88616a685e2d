package amsg

import "fmt"

// Protocol version implemented by this module.
const (
	MajorVersion uint32 = 1
	MinorVersion uint32 = 14
)

// ProtocolVersion is a major.minor pair. Majors must match exactly; on equal
// majors the lower minor wins.
type ProtocolVersion struct {
	Major uint32
	Minor uint32
}

// CurrentVersion returns the version this module speaks.
func CurrentVersion() ProtocolVersion {
	return ProtocolVersion{Major: MajorVersion, Minor: MinorVersion}
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Negotiate picks the version shared with a peer, or ok=false if the majors
// are incompatible.
func (v ProtocolVersion) Negotiate(peer ProtocolVersion) (ProtocolVersion, bool) {
	if v.Major != peer.Major {
		return ProtocolVersion{}, false
	}
	minor := v.Minor
	if peer.Minor < minor {
		minor = peer.Minor
	}
	return ProtocolVersion{Major: v.Major, Minor: minor}, true
}
