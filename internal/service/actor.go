package service

// Role is the caller's role as supplied by the identity collaborator
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleVendor Role = "vendor"
	RoleAdmin  Role = "admin"
)

// Actor is the already-verified caller of a core operation
type Actor struct {
	UserID   int64
	Role     Role
	VendorID int64
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// ownsVendorResource reports whether the actor may act for vendorID
func (a Actor) ownsVendorResource(vendorID int64) bool {
	if a.IsAdmin() {
		return true
	}
	return a.Role == RoleVendor && a.VendorID != 0 && a.VendorID == vendorID
}
