package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/qcom/gateconsole/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrIncorrectPassword  = errors.New("incorrect password")
)

type account struct {
	user         models.User
	passwordHash []byte
}

// UserDirectory is the development backend's user table, seeded from
// DEV_USERS and kept in memory.
type UserDirectory struct {
	mu      sync.RWMutex
	byEmail map[string]*account
	byID    map[int64]*account
	cost    int
	logger  *logrus.Logger
}

// NewUserDirectory parses a DEV_USERS value:
//
//	email:password:perm1|perm2:COMP1|COMP2;email2:...
//
// A "*" permission grants everything. The first company is the default.
func NewUserDirectory(entries string, logger *logrus.Logger) (*UserDirectory, error) {
	return newUserDirectory(entries, bcrypt.DefaultCost, logger)
}

func newUserDirectory(entries string, cost int, logger *logrus.Logger) (*UserDirectory, error) {
	d := &UserDirectory{
		byEmail: make(map[string]*account),
		byID:    make(map[int64]*account),
		cost:    cost,
		logger:  logger,
	}

	companyIDs := map[string]int64{}
	for i, entry := range strings.Split(entries, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("user entry %d: want email:password[:perms[:companies]]", i+1)
		}
		email := strings.ToLower(parts[0])
		if _, dup := d.byEmail[email]; dup {
			return nil, fmt.Errorf("user entry %d: duplicate email %q", i+1, email)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(parts[1]), cost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}

		user := models.User{
			ID:    int64(len(d.byID) + 1),
			Email: email,
		}
		if len(parts) > 2 {
			user.Permissions = splitList(parts[2])
		}
		if len(parts) > 3 {
			for j, code := range splitList(parts[3]) {
				id, ok := companyIDs[code]
				if !ok {
					id = int64(len(companyIDs) + 1)
					companyIDs[code] = id
				}
				user.Companies = append(user.Companies, models.Company{
					ID:        id,
					Code:      code,
					Name:      code,
					IsDefault: j == 0,
				})
			}
		}

		acc := &account{user: user, passwordHash: hash}
		d.byEmail[email] = acc
		d.byID[user.ID] = acc
	}

	if len(d.byID) == 0 {
		return nil, errors.New("no users configured")
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, "|") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Authenticate checks email and password. Unknown users and wrong passwords
// are indistinguishable to the caller.
func (d *UserDirectory) Authenticate(email, password string) (*models.User, error) {
	d.mu.RLock()
	acc, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]
	d.mu.RUnlock()

	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return copyUser(acc.user), nil
}

func (d *UserDirectory) Get(id int64) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	acc, ok := d.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(acc.user), nil
}

func (d *UserDirectory) ChangePassword(id int64, oldPassword, newPassword string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acc, ok := d.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(oldPassword)); err != nil {
		return ErrIncorrectPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), d.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	acc.passwordHash = hash

	d.logger.WithField("user_id", id).Info("Password changed")
	return nil
}

// Emails lists the configured accounts, for the startup log.
func (d *UserDirectory) Emails() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.byEmail))
	for e := range d.byEmail {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func copyUser(u models.User) *models.User {
	u.Permissions = append([]string(nil), u.Permissions...)
	u.Companies = append([]models.Company(nil), u.Companies...)
	return &u
}
