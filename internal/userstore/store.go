// Package userstore is the credential store: the durable source of truth
// for user identities. Every mutation persists the full user set atomically
// (temp file + rename); the in-memory set stays authoritative when a write
// fails.
package userstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"deskrelay/internal/model"
	"deskrelay/internal/relaerr"
)

// dummyHash keeps Authenticate constant-effort for unknown ids: the bcrypt
// comparison runs whether or not the user exists.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

type Store struct {
	mu        sync.RWMutex
	persistMu sync.Mutex

	path string
	log  *slog.Logger
	now  func() int64

	usersByID map[string]model.User
}

// New loads the user set from path. A missing file is an empty store, not
// an error.
func New(path string, log *slog.Logger) (*Store, error) {
	s := &Store{
		path:      path,
		log:       log,
		now:       func() int64 { return time.Now().UnixMilli() },
		usersByID: make(map[string]model.User),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

type persistedUsersFile struct {
	Version int          `json:"version"`
	Users   []model.User `json:"users"`
	SavedAt int64        `json:"savedAt"`
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading users file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedUsersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decoding users file: %w", err)
	}
	if file.Version != 1 {
		return errors.New("unsupported users file version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range file.Users {
		if u.ID == "" || u.PasswordHash == "" {
			continue
		}
		s.usersByID[u.ID] = u
	}
	return nil
}

func (s *Store) snapshotLocked() []model.User {
	result := make([]model.User, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// writeSnapshot writes one snapshot atomically. Caller holds persistMu.
func (s *Store) writeSnapshot(users []model.User) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("users persistence: mkdir: %w", err)
	}

	file := persistedUsersFile{Version: 1, Users: users, SavedAt: s.now()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("users persistence: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("users persistence: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("users persistence: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("users persistence: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("users persistence: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("users persistence: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("users persistence: rename: %w", err)
	}
	return nil
}

// persist writes the current snapshot. Failures are logged and returned;
// callers keep the in-memory mutation either way. persistMu is taken
// before the snapshot so concurrent mutations cannot write their
// snapshots in the wrong order: whoever writes later snapshotted later.
func (s *Store) persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	snapshot := s.snapshotLocked()
	s.mu.RUnlock()

	if err := s.writeSnapshot(snapshot); err != nil {
		s.log.Error("users persistence failed", "path", s.path, "error", err)
		return err
	}
	return nil
}

// Authenticate checks id/password against the stored hash. It never reveals
// whether a failure was an unknown id or a wrong password, and inactive
// users fail the same way.
func (s *Store) Authenticate(id, password string) bool {
	s.mu.RLock()
	u, ok := s.usersByID[id]
	s.mu.RUnlock()

	hash := dummyHash
	if ok {
		hash = []byte(u.PasswordHash)
	}
	match := bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
	return ok && match && u.Active
}

// StampLastLogin records a successful login. Failed attempts never reach
// this point, so they never mutate the user record.
func (s *Store) StampLastLogin(id string) {
	s.mu.Lock()
	u, ok := s.usersByID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	u.LastLogin = s.now()
	s.usersByID[id] = u
	s.mu.Unlock()

	_ = s.persist()
}

func (s *Store) AddUser(id, password string, role model.Role) (model.User, error) {
	if id == "" || password == "" {
		return model.User{}, fmt.Errorf("%w: id and password are required", relaerr.ErrValidation)
	}
	if role == "" {
		role = model.RoleUser
	}
	if role != model.RoleAdmin && role != model.RoleUser {
		return model.User{}, fmt.Errorf("%w: unknown role %q", relaerr.ErrValidation, role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return model.User{}, fmt.Errorf("hashing password: %w", err)
	}

	now := s.now()
	u := model.User{
		ID:           id,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	if _, exists := s.usersByID[id]; exists {
		s.mu.Unlock()
		return model.User{}, fmt.Errorf("%w: user %q", relaerr.ErrDuplicate, id)
	}
	s.usersByID[id] = u
	s.mu.Unlock()

	return u.Public(), s.persist()
}

// Patch describes a partial user update. Nil fields are left untouched;
// the password is only replaced when the patch supplies one.
type Patch struct {
	Password *string
	Role     *model.Role
	Active   *bool
}

func (s *Store) UpdateUser(id string, patch Patch) (model.User, error) {
	var newHash string
	if patch.Password != nil {
		if *patch.Password == "" {
			return model.User{}, fmt.Errorf("%w: password must not be empty", relaerr.ErrValidation)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*patch.Password), bcrypt.DefaultCost)
		if err != nil {
			return model.User{}, fmt.Errorf("hashing password: %w", err)
		}
		newHash = string(hash)
	}
	if patch.Role != nil && *patch.Role != model.RoleAdmin && *patch.Role != model.RoleUser {
		return model.User{}, fmt.Errorf("%w: unknown role %q", relaerr.ErrValidation, *patch.Role)
	}

	s.mu.Lock()
	u, ok := s.usersByID[id]
	if !ok {
		s.mu.Unlock()
		return model.User{}, fmt.Errorf("%w: user %q", relaerr.ErrNotFound, id)
	}
	if newHash != "" {
		u.PasswordHash = newHash
	}
	if patch.Role != nil {
		u.Role = *patch.Role
	}
	if patch.Active != nil {
		u.Active = *patch.Active
	}
	u.UpdatedAt = s.now()
	s.usersByID[id] = u
	s.mu.Unlock()

	return u.Public(), s.persist()
}

func (s *Store) DeleteUser(id string) error {
	s.mu.Lock()
	u, ok := s.usersByID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: user %q", relaerr.ErrNotFound, id)
	}
	if u.Role == model.RoleAdmin && s.countAdminsLocked() == 1 {
		s.mu.Unlock()
		return relaerr.ErrLastAdmin
	}
	delete(s.usersByID, id)
	s.mu.Unlock()

	return s.persist()
}

func (s *Store) countAdminsLocked() int {
	n := 0
	for _, u := range s.usersByID {
		if u.Role == model.RoleAdmin {
			n++
		}
	}
	return n
}

// Get returns the full record including the hash; for internal use only.
func (s *Store) Get(id string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[id]
	return u, ok
}

// ListUsers returns the user set sorted by id, with password hashes
// stripped.
func (s *Store) ListUsers() []model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.snapshotLocked()
	for i := range result {
		result[i] = result[i].Public()
	}
	return result
}
