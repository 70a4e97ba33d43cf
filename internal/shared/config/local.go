package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"sync"

	"github.com/nemanja-m/primenet/internal/worker/core"
	"github.com/spf13/viper"
)

// Section is the ini section that holds every persisted key.
const Section = "primenet"

// Keys of the local store that are not command-line options.
const (
	KeyGUID       = "guid"
	KeyUserName   = "name"
	KeyMsPerIter  = "ms_per_iter"
	KeyFirstTime  = "first_time"
	KeySWVersion  = "sw_version"
	KeyUsername   = "username"
	KeyHostname   = "hostname"
	KeyWorkType   = "worktype"
	KeyDaysOfWork = "days_work"
)

var ErrInvalidValue = errors.New("invalid persisted value")

// LocalStore is the durable key/value store backing local.ini. Every Save
// rewrites the whole file.
type LocalStore struct {
	mu   sync.Mutex
	path string
	v    *viper.Viper
}

// OpenLocalStore reads the store at path. A missing file yields an empty store.
func OpenLocalStore(path string) (*LocalStore, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading %s: %w", path, err)
		}
	}

	return &LocalStore{path: path, v: v}, nil
}

func (s *LocalStore) Path() string {
	return s.path
}

func (s *LocalStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := Section + "." + key
	if !s.v.IsSet(k) {
		return "", false
	}
	return s.v.GetString(k), true
}

func (s *LocalStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(Section+"."+key, value)
}

// Save writes the full store back to disk.
func (s *LocalStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("error writing %s: %w", s.path, err)
	}
	return nil
}

func (s *LocalStore) GUID() string {
	guid, _ := s.Get(KeyGUID)
	return guid
}

func (s *LocalStore) SetGUID(guid string) error {
	s.Set(KeyGUID, guid)
	return s.Save()
}

// SaveIdentity records a successful registration. Server-side overrides of the
// user and computer names replace the local values.
func (s *LocalStore) SaveIdentity(id core.Identity) error {
	s.Set(KeyGUID, id.GUID)
	if id.UserID != "" {
		s.Set(KeyUsername, id.UserID)
	}
	if id.UserName != "" {
		s.Set(KeyUserName, id.UserName)
	}
	if id.ComputerName != "" {
		s.Set(KeyHostname, id.ComputerName)
	}
	return s.Save()
}

// MsPerIteration returns the last persisted speed sample, if any.
func (s *LocalStore) MsPerIteration() (*float64, error) {
	raw, ok := s.Get(KeyMsPerIter)
	if !ok || raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidValue, KeyMsPerIter, raw)
	}
	return &ms, nil
}

func (s *LocalStore) SetMsPerIteration(ms float64) {
	s.Set(KeyMsPerIter, strconv.FormatFloat(ms, 'f', 2, 64))
}

// FirstTime reports whether program options were never pushed to the server.
func (s *LocalStore) FirstTime() bool {
	_, ok := s.Get(KeyFirstTime)
	return !ok
}

func (s *LocalStore) MarkOptionsPushed() {
	s.Set(KeyFirstTime, "false")
}

// Merge reconciles command-line options with persisted values. An option the
// user supplied explicitly wins and is written to the store; an omitted one is
// loaded from the store and coerced to the option's type. Options with no value
// at all are left alone. It returns true when the store changed.
func (s *LocalStore) Merge(opts *Options, explicit func(key string) bool) (bool, error) {
	updated := false
	for _, f := range opts.persistedFields() {
		stored, ok := s.Get(f.key)
		if !explicit(f.key) && ok {
			if err := f.set(stored); err != nil {
				return false, fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, f.key, stored, err)
			}
			continue
		}
		current, present := f.get()
		if present && (!ok || stored != current) {
			s.Set(f.key, current)
			updated = true
		}
	}
	return updated, nil
}
