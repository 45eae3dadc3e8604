package bosh

import "fmt"

// Version is a BOSH protocol version as carried by the ver and xmpp:version
// attributes of a body element.
type Version struct {
	Major, Minor int
}

// Compare takes a version and returns the version with the lower version
// number. The lower of the two is the highest version both sides can speak,
// which is what a session should negotiate.
func (v Version) Compare(o Version) Version {
	if v.Major < o.Major {
		return v
	}
	if v.Major > o.Major {
		return o
	}

	if v.Minor < o.Minor {
		return v
	}

	return o
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// minVersion compares a and b the way Compare does, except that a zero
// version loses to any set version instead of winning the comparison.
func minVersion(a, b Version) Version {
	if a == (Version{}) {
		return b
	}
	if b == (Version{}) {
		return a
	}
	return a.Compare(b)
}
