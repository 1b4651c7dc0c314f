// Package sim drives a whole validator network in one process over the
// simulated broadcast network and its shared clock.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"

	"github.com/Klingon-tech/klingnet-shardsim/config"
	"github.com/Klingon-tech/klingnet-shardsim/internal/diag"
	"github.com/Klingon-tech/klingnet-shardsim/internal/keys"
	klog "github.com/Klingon-tech/klingnet-shardsim/internal/log"
	"github.com/Klingon-tech/klingnet-shardsim/internal/network"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
	"github.com/Klingon-tech/klingnet-shardsim/internal/validator"
	"github.com/Klingon-tech/klingnet-shardsim/pkg/types"
)

// ErrStopped is returned by Step after an invariant violation ended the run.
var ErrStopped = errors.New("simulation stopped")

// Exporter receives periodic diagnostics snapshots.
type Exporter interface {
	Export(diag.Snapshot)
}

// Sim owns the network, the validators and their stores.
type Sim struct {
	cfg *config.Config

	net        *network.SimNetwork
	validators []*validator.Validator
	dbs        []storage.DB
	rec        *diag.Recorder

	exporter Exporter
	interval int

	steps   int
	stopped error
}

// New builds cfg.Sim.Validators validators over independent chains rooted
// at g. Validator keys derive from cfg.Keys. When g lists no validators the
// derived keys are registered in it.
func New(cfg *config.Config, g *config.Genesis) (*Sim, error) {
	n := cfg.Sim.Validators
	ks, err := keys.ValidatorKeys(cfg.Keys.Mnemonic, cfg.Keys.Passphrase, n)
	if err != nil {
		return nil, fmt.Errorf("derive validator keys: %w", err)
	}
	if len(g.Validators) == 0 {
		g.AddValidators(ks, config.DefaultValidatorBalance)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	s := &Sim{
		cfg: cfg,
		net: network.NewSim(cfg.Sim.Latency),
		rec: diag.New(),
	}
	for i, key := range ks {
		db, err := storage.Open(cfg.Storage.Backend, cfg.ChainDir(i))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open store %d: %w", i, err)
		}
		s.dbs = append(s.dbs, db)

		ch, err := g.NewChain(db, cfg.Storage.CacheSize)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("chain %d: %w", i, err)
		}
		s.net.Register(i)
		rng := rand.New(rand.NewSource(cfg.Sim.Seed + int64(i)))
		v, err := validator.New(cfg.ValidatorParams(i, key), ch, s.net, s.net, rng, s.rec)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.validators = append(s.validators, v)
	}

	klog.Sim.Info().
		Str("run", s.rec.RunID()).
		Int("validators", n).
		Int64("seed", cfg.Sim.Seed).
		Float64("latency", cfg.Sim.Latency).
		Str("storage", cfg.Storage.Backend).
		Msg("Simulation ready")
	return s, nil
}

// SetExporter exports a snapshot every interval steps and at the end of Run.
func (s *Sim) SetExporter(e Exporter, interval int) {
	s.exporter = e
	s.interval = interval
}

// Validators returns the simulated validators in id order.
func (s *Sim) Validators() []*validator.Validator { return s.validators }

// Network returns the simulated network.
func (s *Sim) Network() *network.SimNetwork { return s.net }

// Diag returns the run diagnostics.
func (s *Sim) Diag() *diag.Recorder { return s.rec }

// Steps returns the number of completed steps.
func (s *Sim) Steps() int { return s.steps }

// Step advances the clock by one step, then delivers due messages to each
// validator and ticks it, in id order. An invariant violation stops the
// simulation for good.
func (s *Sim) Step() error {
	if s.stopped != nil {
		return fmt.Errorf("%w: %v", ErrStopped, s.stopped)
	}
	s.net.Advance(s.cfg.Sim.StepSize)
	for i, v := range s.validators {
		if err := v.OnReceive(s.net.Deliver(i)...); err != nil {
			return s.stop(i, err)
		}
		if err := v.Tick(); err != nil {
			return s.stop(i, err)
		}
	}
	s.steps++
	if s.exporter != nil && s.interval > 0 && s.steps%s.interval == 0 {
		s.exporter.Export(s.rec.Snapshot())
	}
	return nil
}

func (s *Sim) stop(id int, err error) error {
	s.stopped = fmt.Errorf("validator %d: %w", id, err)
	klog.Sim.Error().Err(err).Int("validator", id).Int("step", s.steps).Msg("Simulation stopped")
	return s.stopped
}

// Run executes steps steps or until ctx is done, and returns the report.
func (s *Sim) Run(ctx context.Context, steps int) (*Report, error) {
	var runErr error
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := s.Step(); err != nil {
			runErr = err
			break
		}
	}
	if s.exporter != nil {
		s.exporter.Export(s.rec.Snapshot())
	}
	r := s.Report()
	klog.Sim.Info().
		Int("steps", r.Steps).
		Float64("clock", r.Clock).
		Uint64("blocks", r.Diag.Total.Blocks).
		Uint64("collations", r.Diag.Total.Collations).
		Bool("converged", r.Converged).
		Msg("Simulation finished")
	return r, runErr
}

// Close releases the validator stores.
func (s *Sim) Close() error {
	var first error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.dbs = nil
	return first
}

// ValidatorReport summarizes one validator at the end of a run.
type ValidatorReport struct {
	ID         int                          `json:"id"`
	Height     uint64                       `json:"height"`
	Head       types.Hash                   `json:"head"`
	MainState  string                       `json:"main_state"`
	Watched    []types.ShardID              `json:"watched"`
	ShardHeads map[types.ShardID]types.Hash `json:"shard_heads"`
	Pool       int                          `json:"pool"`
}

// Report is the outcome of a run.
type Report struct {
	RunID      string            `json:"run_id"`
	Steps      int               `json:"steps"`
	Clock      float64           `json:"clock"`
	Converged  bool              `json:"converged"` // all validators share a head
	Diag       diag.Snapshot     `json:"diag"`
	Network    network.Stats     `json:"network"`
	Validators []ValidatorReport `json:"validators"`
}

// Report captures the current state of the run.
func (s *Sim) Report() *Report {
	r := &Report{
		RunID:     s.rec.RunID(),
		Steps:     s.steps,
		Clock:     s.net.Now(),
		Converged: true,
		Diag:      s.rec.Snapshot(),
		Network:   s.net.Stats(),
	}
	for _, v := range s.validators {
		ch := v.Chain()
		vr := ValidatorReport{
			ID:         v.ID(),
			Height:     ch.Height(),
			Head:       ch.HeadHash(),
			MainState:  v.MainState().String(),
			Watched:    v.Watched(),
			ShardHeads: make(map[types.ShardID]types.Hash),
			Pool:       v.Pool().Len(),
		}
		for _, id := range vr.Watched {
			if st, ok := v.ShardState(id); ok {
				vr.ShardHeads[id] = st.HeadHash()
			}
		}
		if len(r.Validators) > 0 && vr.Head != r.Validators[0].Head {
			r.Converged = false
		}
		r.Validators = append(r.Validators, vr)
	}
	return r
}

// WriteFile writes the report as indented JSON.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
