package protocol

import "fmt"

// Role is the side a party plays in a trade.
type Role int

const (
	Seller Role = iota
	Buyer
)

// Other returns the counterparty role.
func (r Role) Other() Role {
	if r == Seller {
		return Buyer
	}
	return Seller
}

func (r Role) String() string {
	switch r {
	case Seller:
		return "seller"
	case Buyer:
		return "buyer"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole parses "seller" or "buyer".
func ParseRole(s string) (Role, error) {
	switch s {
	case "seller":
		return Seller, nil
	case "buyer":
		return Buyer, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
