// Package permissions answers "may the signed-in user do X" from the cached
// profile, so navigation can be gated without a round trip.
package permissions

import (
	"strings"

	"github.com/qcom/gateconsole/internal/models"
)

// Wildcard grants every permission.
const Wildcard = "*"

type Checker struct {
	user    *models.User
	company string
}

// New returns a checker for user. A nil user is denied everything.
func New(user *models.User) *Checker {
	return &Checker{user: user}
}

// ForCompany returns a checker that also honours the grants scoped to the
// given company membership.
func (c *Checker) ForCompany(code string) *Checker {
	return &Checker{user: c.user, company: code}
}

func (c *Checker) SignedIn() bool {
	return c.user != nil
}

func (c *Checker) Has(perm string) bool {
	if c.user == nil {
		return false
	}
	if c.user.IsSuperuser {
		return true
	}
	if grants(c.user.Permissions, perm) {
		return true
	}
	if c.company != "" {
		if company, ok := c.user.Company(c.company); ok {
			return grants(company.Permissions, perm)
		}
	}
	return false
}

func (c *Checker) HasAny(perms ...string) bool {
	for _, p := range perms {
		if c.Has(p) {
			return true
		}
	}
	return false
}

func (c *Checker) HasAll(perms ...string) bool {
	for _, p := range perms {
		if !c.Has(p) {
			return false
		}
	}
	return true
}

// Allowed gates a navigation entry: signed in, plus every required
// permission. No requirements means any signed-in user.
func (c *Checker) Allowed(required ...string) bool {
	return c.SignedIn() && c.HasAll(required...)
}

// grants matches exact names, the global wildcard and "prefix.*" patterns.
func grants(granted []string, perm string) bool {
	for _, g := range granted {
		switch {
		case g == perm, g == Wildcard:
			return true
		case strings.HasSuffix(g, ".*") && strings.HasPrefix(perm, strings.TrimSuffix(g, "*")):
			return true
		}
	}
	return false
}

// Entry is one item of the console navigation.
type Entry struct {
	Route    string
	Label    string
	Required []string
}

// Visible filters entries down to the ones the checker allows.
func (c *Checker) Visible(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if c.Allowed(e.Required...) {
			out = append(out, e)
		}
	}
	return out
}
