// Package dataset resolves the per-user datasets a job is built from.
// The backing layout is one JSON file per dataset below a data root:
//
//	<root>/<userID>/<kind>/<name>.json
//
// A missing or empty dataset surfaces as model.ErrDatasetNotFound; the
// job layer decides whether that is fatal.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/trafficbuster/conductor/internal/model"
)

type Kind string

const (
	KindSettings  Kind = "settings"
	KindTargets   Kind = "targets"
	KindProxies   Kind = "proxies"
	KindPlatforms Kind = "platforms"
)

// Store is the dataset collaborator contract consumed by the job layer.
type Store interface {
	Settings(ctx context.Context, userID, profile string) (model.Settings, error)
	Targets(ctx context.Context, userID, name string) ([]model.Target, error)
	Proxies(ctx context.Context, userID, name string) ([]model.Proxy, error)
	Platforms(ctx context.Context, userID, name string) ([]model.Platform, error)
}

// MatrixSource resolves the license entitlement matrix of a user.
type MatrixSource interface {
	MatrixFor(ctx context.Context, userID string) (model.Entitlements, error)
}

// FSStore reads datasets below a confined directory root.
type FSStore struct {
	root *os.Root
}

func NewFSStore(path string) (*FSStore, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Close() error {
	return s.root.Close()
}

func (s *FSStore) Settings(_ context.Context, userID, profile string) (model.Settings, error) {
	var out model.Settings
	if err := s.load(userID, KindSettings, profile, &out); err != nil {
		return model.Settings{}, err
	}
	return out, nil
}

func (s *FSStore) Targets(_ context.Context, userID, name string) ([]model.Target, error) {
	var out []model.Target
	if err := s.load(userID, KindTargets, name, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("targets %q: %w", name, model.ErrDatasetNotFound)
	}
	return out, nil
}

func (s *FSStore) Proxies(_ context.Context, userID, name string) ([]model.Proxy, error) {
	var out []model.Proxy
	if err := s.load(userID, KindProxies, name, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FSStore) Platforms(_ context.Context, userID, name string) ([]model.Platform, error) {
	var out []model.Platform
	if err := s.load(userID, KindPlatforms, name, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FSStore) load(userID string, kind Kind, name string, out any) error {
	path := filepath.Join(userID, string(kind), name+".json")
	f, err := s.root.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %q: %w", kind, name, model.ErrDatasetNotFound)
	}
	if err != nil {
		return fmt.Errorf("opening dataset %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("reading dataset %s: %w", path, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%s %q: %w", kind, name, model.ErrDatasetNotFound)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parsing dataset %s: %w", path, err)
	}
	return nil
}

// FSMatrix reads <root>/<userID>/license.json. A user without a license
// file gets the baseline matrix: no proxies, no custom platforms, one
// instance.
type FSMatrix struct {
	root *os.Root
}

func NewFSMatrix(path string) (*FSMatrix, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, fmt.Errorf("opening license root: %w", err)
	}
	return &FSMatrix{root: root}, nil
}

func (m *FSMatrix) Close() error {
	return m.root.Close()
}

func (m *FSMatrix) MatrixFor(_ context.Context, userID string) (model.Entitlements, error) {
	baseline := model.Entitlements{MaxInstances: 1}

	f, err := m.root.Open(filepath.Join(userID, "license.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return baseline, nil
	}
	if err != nil {
		return model.Entitlements{}, fmt.Errorf("opening license for %s: %w", userID, err)
	}
	defer func() {
		_ = f.Close()
	}()

	var out model.Entitlements
	if err := json.NewDecoder(f).Decode(&out); err != nil {
		return model.Entitlements{}, fmt.Errorf("parsing license for %s: %w", userID, err)
	}
	if out.MaxInstances < 1 {
		out.MaxInstances = 1
	}
	return out, nil
}
