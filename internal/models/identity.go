package models

// Role is the kind of user behind an authenticated identity.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

// Identity is the resolved caller of every core operation.
type Identity struct {
	Name string `json:"username"`
	Role Role   `json:"role"`
}

// IsDoctor reports whether the identity has the doctor role.
func (i Identity) IsDoctor() bool { return i.Role == RoleDoctor }

// IsPatient reports whether the identity has the patient role.
func (i Identity) IsPatient() bool { return i.Role == RolePatient }
