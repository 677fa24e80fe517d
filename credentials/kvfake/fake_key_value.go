package kvfake

import (
	"context"
	"sync"

	"github.com/kora-live/kora-go/credentials"
)

var _ credentials.KeyValue = (*FakeKeyValue)(nil)

// FakeKeyValue is an in-memory KeyValue backend with injectable per-key
// failures for exercising the Store's swallow-and-log behavior.
type FakeKeyValue struct {
	values map[string]string
	lock   sync.RWMutex

	GetErr    map[string]error
	SetErr    map[string]error
	RemoveErr map[string]error
}

func NewFakeKeyValue() *FakeKeyValue {
	return &FakeKeyValue{
		values:    make(map[string]string),
		GetErr:    make(map[string]error),
		SetErr:    make(map[string]error),
		RemoveErr: make(map[string]error),
	}
}

func (f *FakeKeyValue) Get(_ context.Context, key string) (string, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	if err := f.GetErr[key]; err != nil {
		return "", err
	}
	return f.values[key], nil
}

func (f *FakeKeyValue) Set(_ context.Context, key, value string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.SetErr[key]; err != nil {
		return err
	}
	f.values[key] = value
	return nil
}

func (f *FakeKeyValue) Remove(_ context.Context, key string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.RemoveErr[key]; err != nil {
		return err
	}
	delete(f.values, key)
	return nil
}

// Value returns the stored value for key, or "" when absent.
func (f *FakeKeyValue) Value(key string) string {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.values[key]
}

// Len returns the number of stored keys.
func (f *FakeKeyValue) Len() int {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return len(f.values)
}
