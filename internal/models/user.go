package models

// User is the profile returned by /accounts/me/ and the login call, cached
// alongside the session for permission checks.
type User struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	FullName    string    `json:"full_name,omitempty"`
	IsSuperuser bool      `json:"is_superuser"`
	IsStaff     bool      `json:"is_staff"`
	Permissions []string  `json:"permissions"`
	Companies   []Company `json:"companies,omitempty"`
}

// Company is a tenant the user belongs to, with the grants scoped to it.
type Company struct {
	ID          int64    `json:"id"`
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	Role        string   `json:"role,omitempty"`
	IsDefault   bool     `json:"is_default"`
	Permissions []string `json:"permissions,omitempty"`
}

func (c Company) Ref() *CompanyRef {
	return &CompanyRef{ID: c.ID, Code: c.Code, Name: c.Name}
}

// Company returns the membership with the given code, if any.
func (u *User) Company(code string) (Company, bool) {
	if u == nil {
		return Company{}, false
	}
	for _, c := range u.Companies {
		if c.Code == code {
			return c, true
		}
	}
	return Company{}, false
}

// DefaultCompany returns the flagged default, or the first membership.
func (u *User) DefaultCompany() (Company, bool) {
	if u == nil || len(u.Companies) == 0 {
		return Company{}, false
	}
	for _, c := range u.Companies {
		if c.IsDefault {
			return c, true
		}
	}
	return u.Companies[0], true
}
