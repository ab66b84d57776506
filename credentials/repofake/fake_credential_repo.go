package repofake

import (
	"sync"

	"github.com/perkhub/go-admin-client/credentials"
)

var _ credentials.Repo = (*FakeCredentialRepo)(nil)

// FakeCredentialRepo is an in-memory Repo for tests. Error fields, when set,
// are returned by the corresponding operation.
type FakeCredentialRepo struct {
	lock sync.Mutex
	cred *credentials.Credential

	SaveErr error
	LoadErr error
	WipeErr error

	SaveCalls int
	WipeCalls int
}

func NewFakeCredentialRepo() *FakeCredentialRepo {
	return &FakeCredentialRepo{}
}

func (r *FakeCredentialRepo) Load() (*credentials.Credential, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.LoadErr != nil {
		return nil, r.LoadErr
	}
	if r.cred == nil {
		return nil, nil
	}
	c := *r.cred
	return &c, nil
}

func (r *FakeCredentialRepo) Save(cred *credentials.Credential) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.SaveCalls++
	if r.SaveErr != nil {
		return r.SaveErr
	}
	c := *cred
	r.cred = &c
	return nil
}

func (r *FakeCredentialRepo) Wipe() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.WipeCalls++
	if r.WipeErr != nil {
		return r.WipeErr
	}
	r.cred = nil
	return nil
}

// Stored returns a copy of the persisted credential, or nil.
func (r *FakeCredentialRepo) Stored() *credentials.Credential {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.cred == nil {
		return nil
	}
	c := *r.cred
	return &c
}
