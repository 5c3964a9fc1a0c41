package strategy

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/google/uuid"
)

const (
	keyDistance = "distance"
	keyNStates  = "nstates"
)

// Sample is one finished trial: the weights it ran with, the ESS each
// group reached and the resulting balance distance.
type Sample struct {
	Weights  map[string]float64
	ESS      map[string]float64
	Distance float64
	NStates  int64
}

// WeightVector returns the sample's weights in group order. ok is false if
// any group is missing.
func (s Sample) WeightVector(groups []string) ([]float64, bool) {
	out := make([]float64, len(groups))
	for i, g := range groups {
		w, ok := s.Weights[g]
		if !ok || math.IsNaN(w) {
			return nil, false
		}
		out[i] = w
	}
	return out, true
}

func (s Sample) flatten() map[string]float64 {
	m := make(map[string]float64, 2*len(s.Weights)+2)
	for g, w := range s.Weights {
		m[ledger.WeightColumn(g)] = w
	}
	for g, e := range s.ESS {
		m[ledger.ESSColumn(g)] = e
	}
	m[keyDistance] = s.Distance
	m[keyNStates] = float64(s.NStates)
	return m
}

func unflatten(m map[string]float64) Sample {
	s := Sample{Weights: map[string]float64{}, ESS: map[string]float64{}}
	for k, v := range m {
		switch {
		case k == keyDistance:
			s.Distance = v
		case k == keyNStates:
			s.NStates = int64(v)
		case strings.HasSuffix(k, ".weight"):
			s.Weights[strings.TrimSuffix(k, ".weight")] = v
		case strings.HasSuffix(k, ".ess"):
			s.ESS[strings.TrimSuffix(k, ".ess")] = v
		}
	}
	return s
}

// History is the trial record shared by every run of a BayesOpt campaign.
type History struct {
	TrialCount int
	Samples    []Sample
}

type historyFile struct {
	TrialCount int                  `json:"trialCount"`
	Samples    []map[string]float64 `json:"samples"`
}

// LoadHistory reads a history file. A missing file is an empty history.
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trial history: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return &History{}, nil
	}

	var f historyFile
	if err := sonic.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse trial history %s: %w", path, err)
	}
	h := &History{TrialCount: f.TrialCount, Samples: make([]Sample, len(f.Samples))}
	for i, m := range f.Samples {
		h.Samples[i] = unflatten(m)
	}
	return h, nil
}

// Save writes the history atomically next to path.
func (h *History) Save(path string) error {
	f := historyFile{TrialCount: h.TrialCount, Samples: make([]map[string]float64, len(h.Samples))}
	for i, s := range h.Samples {
		f.Samples[i] = s.flatten()
	}
	data, err := sonic.ConfigStd.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode trial history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.New().String())
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write trial history: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace trial history: %w", err)
	}
	return nil
}

// Best returns the index of the sample with the smallest distance among
// samples that carry weights for every group, or -1.
func (h *History) Best(groups []string) int {
	best := -1
	for i, s := range h.Samples {
		if _, ok := s.WeightVector(groups); !ok || math.IsNaN(s.Distance) {
			continue
		}
		if best < 0 || s.Distance < h.Samples[best].Distance {
			best = i
		}
	}
	return best
}

// GroupIDs returns the group names mentioned by any sample, sorted.
func (h *History) GroupIDs() []string {
	seen := map[string]struct{}{}
	for _, s := range h.Samples {
		for g := range s.Weights {
			seen[g] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
