package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "IRIS-Chain/internal/errors"
)

var (
	addrA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	addrB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	addrC = common.HexToAddress("0x000000000000000000000000000000000000000c")
	addrD = common.HexToAddress("0x000000000000000000000000000000000000000d")
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		{ID: "a", Address: addrA, Capability: CapabilityRouted},
		{ID: "b", Address: addrB, Capability: CapabilityRouted},
		{ID: "c", Address: addrC, Capability: CapabilityRouted},
		{ID: "maps", Address: addrD, Capability: CapabilityLookup},
	}
}

func TestCandidatesExcludeActingAndHops(t *testing.T) {
	snap := sampleSnapshot()

	got := snap.Candidates(addrB, []common.Address{addrA})
	ids := make([]string, 0, len(got))
	for _, agent := range got {
		ids = append(ids, agent.ID)
	}
	assert.ElementsMatch(t, []string{"c", "maps"}, ids)

	all := snap.Candidates(addrA, []common.Address{addrB, addrC, addrD})
	assert.Empty(t, all)
}

func TestSnapshotLookups(t *testing.T) {
	snap := sampleSnapshot()

	agent, ok := snap.ByAddress(addrD)
	require.True(t, ok)
	assert.True(t, agent.IsLookup())

	_, ok = snap.ByID("missing")
	assert.False(t, ok)

	agent, ok = snap.ByID("b")
	require.True(t, ok)
	assert.Equal(t, "b", agent.DisplayName())
}

func TestValidateRejectsDuplicates(t *testing.T) {
	err := Validate([]Agent{
		{ID: "a", Address: addrA, Capability: CapabilityRouted},
		{ID: "b", Address: addrA, Capability: CapabilityRouted},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "地址重复")

	err = Validate([]Agent{
		{ID: "a", Address: addrA, Capability: CapabilityRouted},
		{ID: "a", Address: addrB, Capability: CapabilityRouted},
	})
	require.Error(t, err)

	err = Validate([]Agent{{ID: "a", Address: addrA, Capability: "teleport"}})
	require.Error(t, err)
}

func TestFileDirectoryLoadsSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	seed := `agents:
  - id: travel_planner
    name: Travel Planner
    description: Plans multi-city itineraries.
    address: "0x000000000000000000000000000000000000000A"
    metadata:
      rating: 4.8
  - id: google_maps
    name: Google Maps
    description: Finds places.
    address: "0x000000000000000000000000000000000000000d"
    capability: lookup
`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	dir, err := NewFileDirectory(path)
	require.NoError(t, err)

	agents, err := dir.List(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 2)

	assert.Equal(t, addrA, agents[0].Address)
	assert.Equal(t, CapabilityRouted, agents[0].Capability)
	assert.Equal(t, 4.8, agents[0].Metadata["rating"])
	assert.True(t, agents[1].IsLookup())
}

func TestFileDirectoryErrors(t *testing.T) {
	_, err := NewFileDirectory(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeDirectoryFailure, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err), "missing store should be retried")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - id: x\n    address: nope\n"), 0o600))
	_, err = NewFileDirectory(path)
	require.Error(t, err)
	assert.False(t, xerrors.RetryableError(err))
}

func TestStaticListReturnsCopy(t *testing.T) {
	static := Static(sampleSnapshot())
	agents, err := static.List(context.Background())
	require.NoError(t, err)
	agents[0].ID = "mutated"
	assert.Equal(t, "a", static[0].ID)
}
