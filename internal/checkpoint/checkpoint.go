package checkpoint

import (
	"compress/zlib"
	"encoding/gob"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"esrgan-forge/internal/model"
	"esrgan-forge/internal/nn"
)

// Layout selects how snapshots are named on disk.
type Layout string

const (
	// LayoutPerNetwork stores each network's own state under
	// dir/<epoch>/<name>_<epoch>.ckpt and resumes from the same paths.
	LayoutPerNetwork Layout = "per-network"
	// LayoutLegacy matches checkpoints written by earlier releases: both
	// networks resume from dir/ESRGAN_<epoch>.ckpt, and the generator's state
	// is written under both the generator and discriminator filenames.
	LayoutLegacy Layout = "legacy"

	fileExt = ".ckpt"
)

// ParseLayout validates a layout token; empty selects LayoutPerNetwork.
func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case "", LayoutPerNetwork:
		return LayoutPerNetwork, nil
	case LayoutLegacy:
		return LayoutLegacy, nil
	default:
		return "", errors.Errorf("unknown checkpoint layout %q", s)
	}
}

// Manager resolves, loads and writes generator/discriminator snapshots.
type Manager struct {
	dir    string
	layout Layout
	logger logrus.FieldLogger
	src    rand.Source
}

// NewManager returns a manager rooted at dir. src seeds the weight
// initializer used on cold start.
func NewManager(dir string, layout Layout, logger logrus.FieldLogger, src rand.Source) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if layout == "" {
		layout = LayoutPerNetwork
	}
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Manager{dir: dir, layout: layout, logger: logger, src: src}
}

// Dir returns the checkpoint root.
func (m *Manager) Dir() string { return m.dir }

// Path returns the snapshot path for net at epoch under the per-network layout.
func (m *Manager) Path(epoch int, name string) string {
	return filepath.Join(m.dir, fmt.Sprint(epoch), fmt.Sprintf("%s_%d%s", name, epoch, fileExt))
}

func (m *Manager) resumePath(epoch int, name string) string {
	if m.layout == LayoutLegacy {
		return filepath.Join(m.dir, fmt.Sprintf("ESRGAN_%d%s", epoch, fileExt))
	}
	return m.Path(epoch, name)
}

// Outcome reports which branch ResumeOrInit took.
type Outcome int

const (
	// OutcomeEmpty means the directory was empty; weights were left as constructed.
	OutcomeEmpty Outcome = iota
	// OutcomeInitialized means no snapshot for the epoch existed; weights were re-initialized.
	OutcomeInitialized
	// OutcomeResumed means both networks were loaded from disk.
	OutcomeResumed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeInitialized:
		return "initialized"
	default:
		return "resumed"
	}
}

// ResumeOrInit loads the snapshots written at the end of epoch targetEpoch-1.
// An empty directory leaves both networks untouched; a non-empty directory
// without the generator snapshot re-initializes both networks.
func (m *Manager) ResumeOrInit(gen, disc model.Network, targetEpoch int) (Outcome, error) {
	m.logger.WithField("dir", m.dir).Info("Loading model")
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return 0, errors.Wrap(err, "create checkpoint dir")
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, errors.Wrap(err, "list checkpoint dir")
	}
	if len(entries) == 0 {
		m.logger.WithField("dir", m.dir).Warn("No checkpoint found")
		return OutcomeEmpty, nil
	}

	epoch := targetEpoch - 1
	genPath := m.resumePath(epoch, gen.Name())
	discPath := m.resumePath(epoch, disc.Name())
	if _, err := os.Stat(genPath); err != nil {
		if !os.IsNotExist(err) {
			return 0, errors.Wrapf(err, "stat %s", genPath)
		}
		m.logger.WithField("epoch", epoch).Warn("No checkpoint for epoch, initializing weights")
		nn.InitWeights(gen.Layers(), m.src)
		nn.InitWeights(disc.Layers(), m.src)
		return OutcomeInitialized, nil
	}

	if err := Load(genPath, gen); err != nil {
		return 0, err
	}
	if err := Load(discPath, disc); err != nil {
		return 0, err
	}
	m.logger.WithFields(logrus.Fields{
		"epoch":         epoch,
		"generator":     genPath,
		"discriminator": discPath,
	}).Info("Resumed from checkpoint")
	return OutcomeResumed, nil
}

// Save writes both networks for a completed epoch.
func (m *Manager) Save(epoch int, gen, disc model.Network) error {
	if err := os.MkdirAll(filepath.Join(m.dir, fmt.Sprint(epoch)), 0o755); err != nil {
		return errors.Wrap(err, "create epoch checkpoint dir")
	}
	discSource := disc
	if m.layout == LayoutLegacy {
		discSource = gen
	}
	if err := Write(m.Path(epoch, gen.Name()), gen); err != nil {
		return err
	}
	if err := Write(m.Path(epoch, disc.Name()), discSource); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{"epoch": epoch, "dir": m.dir}).Debug("Saved checkpoint")
	return nil
}

// Write serializes net's parameters to path as a zlib-compressed gob stream.
func Write(path string, net model.Network) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	zw := zlib.NewWriter(f)
	if err := gob.NewEncoder(zw).Encode(nn.Snapshot(net.Params())); err != nil {
		zw.Close()
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return errors.Wrapf(err, "flush %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}

// Load restores net's parameters from path.
func Load(path string, net model.Network) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()
	zr, err := zlib.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	defer zr.Close()

	var state nn.State
	if err := gob.NewDecoder(zr).Decode(&state); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	if err := state.Restore(net.Params()); err != nil {
		return errors.Wrapf(err, "load %s into %s", path, net.Name())
	}
	return nil
}
