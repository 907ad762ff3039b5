package options

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mullproxy/internal/storage"
	pkgerrors "mullproxy/pkg/errors"
)

// ChangedFunc receives the names of options whose values changed.
type ChangedFunc func(changed []string)

// Store is a typed view over the "options" document with change notification.
type Store struct {
	storage storage.Storage

	// serializes read-modify-write cycles
	mu sync.Mutex

	subsMu sync.RWMutex
	subs   map[int]ChangedFunc
	nextID int

	// last document seen, by a local write or by Sync
	lastMu sync.Mutex
	last   Values

	unlisten func()
}

// NewStore creates a Store and starts listening for writes to the options key.
func NewStore(store storage.Storage) *Store {
	s := &Store{
		storage: store,
		subs:    make(map[int]ChangedFunc),
	}
	s.unlisten = store.OnChanged(s.onStorageChanged)
	return s
}

// Close stops listening for storage changes.
func (s *Store) Close() {
	if s.unlisten != nil {
		s.unlisten()
	}
}

// Subscribe registers fn for change events and returns a function removing it.
func (s *Store) Subscribe(fn ChangedFunc) func() {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// Values returns the raw options document. A missing document reads as empty.
func (s *Store) Values(ctx context.Context) (Values, error) {
	values := Values{}
	err := storage.GetJSON(ctx, s.storage, storage.KeyOptions, &values)
	if errors.Is(err, storage.ErrNotFound) {
		return Values{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read options: %w", err)
	}
	return values, nil
}

// GetAll returns the typed options document.
func (s *Store) GetAll(ctx context.Context) (Options, error) {
	values, err := s.Values(ctx)
	if err != nil {
		return Options{}, err
	}
	return decode(values)
}

// SetAll replaces the whole options document.
func (s *Store) SetAll(ctx context.Context, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return storage.SetJSON(ctx, s.storage, storage.KeyOptions, opts)
}

// Get returns a single option. A missing option is an integrity error:
// defaults are seeded on every start.
func (s *Store) Get(ctx context.Context, name string) (any, error) {
	values, err := s.Values(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := values[name]
	if !ok {
		return nil, &pkgerrors.OptionError{Name: name, Err: pkgerrors.ErrOptionNotFound}
	}
	return v, nil
}

// Bool returns a boolean option.
func (s *Store) Bool(ctx context.Context, name string) (bool, error) {
	v, err := s.Get(ctx, name)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &pkgerrors.OptionError{Name: name, Err: pkgerrors.ErrOptionInvalid}
	}
	return b, nil
}

// Set writes a single option.
func (s *Store) Set(ctx context.Context, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.Values(ctx)
	if err != nil {
		return err
	}
	values[name] = value
	return storage.SetJSON(ctx, s.storage, storage.KeyOptions, values)
}

// Update inserts every key of defaults missing from storage. Existing values
// are never overwritten.
func (s *Store) Update(ctx context.Context, defaults Values) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.Values(ctx)
	if err != nil {
		return err
	}
	for name, v := range defaults {
		if _, ok := values[name]; !ok {
			values[name] = v
		}
	}
	return storage.SetJSON(ctx, s.storage, storage.KeyOptions, values)
}

// NotificationPrefs reports the notification flags used by the presenter.
func (s *Store) NotificationPrefs(ctx context.Context) (enabled, errorsOnly bool, err error) {
	opts, err := s.GetAll(ctx)
	if err != nil {
		return false, false, err
	}
	return opts.EnableNotifications, opts.EnableNotificationsOnlyErrors, nil
}

func (s *Store) onStorageChanged(change storage.Change) {
	if change.Key != storage.KeyOptions {
		return
	}

	var oldValues, newValues Values
	if change.OldValue != nil {
		if err := json.Unmarshal(change.OldValue, &oldValues); err != nil {
			oldValues = nil
		}
	}
	if err := json.Unmarshal(change.NewValue, &newValues); err != nil {
		return
	}

	s.lastMu.Lock()
	s.last = newValues
	s.lastMu.Unlock()

	s.notify(ChangedKeys(oldValues, newValues))
}

// Sync re-reads the options document and notifies subscribers of keys that
// changed since the last document this Store saw. It picks up writes made by
// other processes sharing the database. The first call only records a
// baseline.
func (s *Store) Sync(ctx context.Context) error {
	values, err := s.Values(ctx)
	if err != nil {
		return err
	}

	s.lastMu.Lock()
	prev := s.last
	s.last = values
	s.lastMu.Unlock()

	if prev == nil {
		return nil
	}
	s.notify(ChangedKeys(prev, values))
	return nil
}

func (s *Store) notify(changed []string) {
	if len(changed) == 0 {
		return
	}

	s.subsMu.RLock()
	fns := make([]ChangedFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.RUnlock()

	for _, fn := range fns {
		fn(changed)
	}
}

// ChangedKeys returns the sorted names whose values differ between old and
// new. Keys added in new are not reported; when there was no previous
// document at all, every key counts as changed.
func ChangedKeys(oldValues, newValues Values) []string {
	var changed []string
	for name, nv := range newValues {
		if oldValues != nil {
			ov, ok := oldValues[name]
			if !ok {
				continue
			}
			if equal(ov, nv) {
				continue
			}
		}
		changed = append(changed, name)
	}
	sort.Strings(changed)
	return changed
}

func equal(a, b any) bool {
	as, aok := a.([]any)
	bs, bok := b.([]any)
	if aok && bok {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !reflect.DeepEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func decode(values Values) (Options, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return Options{}, err
	}
	var opts Options
	if err := json.Unmarshal(raw, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to decode options: %w", err)
	}
	return opts, nil
}

// Parse converts a command-line string into a value of the option's type.
func Parse(name, raw string) (any, error) {
	def, ok := Defaults()[name]
	if !ok {
		return nil, &pkgerrors.OptionError{Name: name, Err: pkgerrors.ErrOptionNotFound}
	}

	switch def.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, &pkgerrors.OptionError{Name: name, Err: fmt.Errorf("%w: %q", pkgerrors.ErrOptionInvalid, raw)}
		}
		return b, nil
	case []string:
		list := []string{}
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				list = append(list, part)
			}
		}
		return list, nil
	default:
		return raw, nil
	}
}
