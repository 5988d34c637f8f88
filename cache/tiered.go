package cache

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TieredStore fronts a Remote store with a Local one.
//
// Loads try Local first; entries found only in Remote are copied to Local.
// Saves go to both.
type TieredStore struct {
	Local  Store
	Remote Store
}

var _ Store = (*TieredStore)(nil)

// Load implements Store.
func (s *TieredStore) Load(ctx context.Context, token Token) ([]byte, error) {
	log := klog.FromContext(ctx)
	data, err := s.Local.Load(ctx, token)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.WithMessage(err, "local cache")
	}

	data, err = s.Remote.Load(ctx, token)
	if err != nil {
		return nil, errors.WithMessage(err, "remote cache")
	}
	if err := s.Local.Save(ctx, token, data); err != nil {
		// The entry is still usable, only the local copy is missing.
		log.Error(err, "back-filling local cache", "token", token.Filename())
	}
	return data, nil
}

// Save implements Store.
func (s *TieredStore) Save(ctx context.Context, token Token, data []byte) error {
	if err := s.Local.Save(ctx, token, data); err != nil {
		return errors.WithMessage(err, "local cache")
	}
	if err := s.Remote.Save(ctx, token, data); err != nil {
		return errors.WithMessage(err, "remote cache")
	}
	return nil
}
