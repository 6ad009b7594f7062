package authstub

import (
	"errors"

	"github.com/hongminglow/edu-session/internal/models"
)

// TestPassword is shared by every seeded account.
const TestPassword = "testpass123"

// SeedTestUsers creates one account per portal role, each with a profile id.
// Accounts that already exist are left alone.
func (s *Stub) SeedTestUsers() ([]User, error) {
	seeds := []User{
		{Email: "student@test.com", Username: "student_test", FirstName: "Test", LastName: "Student", Role: models.RoleStudent},
		{Email: "parent@test.com", Username: "parent_test", FirstName: "Test", LastName: "Parent", Role: models.RoleParent},
		{Email: "corporate@test.com", Username: "corporate_test", FirstName: "Test", LastName: "Corporate", Role: models.RoleCorporatePartner},
		{Email: "admin@test.com", Username: "admin_test", FirstName: "Test", LastName: "Admin", Role: models.RoleAdmin},
	}

	created := make([]User, 0, len(seeds))
	for i, u := range seeds {
		profileID := int64(i + 1)
		u.ProfileID = &profileID
		out, err := s.Users.Create(u, TestPassword)
		if errors.Is(err, ErrEmailTaken) || errors.Is(err, ErrUsernameTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		created = append(created, out)
	}
	return created, nil
}
