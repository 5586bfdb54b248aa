package lending

import (
	"fmt"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"collend/events"
)

// Registry creates and deduplicates vault instances per
// (owner, collateral-asset, debt-asset) triple and certifies their
// provenance for the gateway. The vault id is the keccak256 hash of the
// triple, so repeated Generate calls are idempotent without an extra index,
// and the vault's holding address is carved from the id.
type Registry struct {
	mu      sync.Mutex
	assets  map[string]Token
	vaults  map[[32]byte]*Vault
	emitter events.Emitter
	nowFn   func() int64
}

// NewRegistry constructs a registry over the supplied asset ledgers. Vaults
// may only be generated for registered assets.
func NewRegistry(assets ...Token) (*Registry, error) {
	r := &Registry{
		assets:  make(map[string]Token, len(assets)),
		vaults:  make(map[[32]byte]*Vault),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
	for _, asset := range assets {
		if asset == nil {
			return nil, fmt.Errorf("registry: nil asset capability")
		}
		symbol := asset.Symbol()
		if symbol == "" {
			return nil, fmt.Errorf("registry: asset symbol required")
		}
		if _, exists := r.assets[symbol]; exists {
			return nil, fmt.Errorf("registry: duplicate asset %s", symbol)
		}
		r.assets[symbol] = asset
	}
	return r, nil
}

// SetEmitter configures the notification sink shared by all generated vaults.
// Passing nil resets it to a no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
	for _, vault := range r.vaults {
		vault.SetEmitter(emitter)
	}
}

// SetNowFunc overrides the time source handed to generated vaults. Primarily
// intended for tests.
func (r *Registry) SetNowFunc(now func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	r.nowFn = now
	for _, vault := range r.vaults {
		vault.SetNowFunc(now)
	}
}

// Generate returns the vault for (owner, collateralAsset, debtAsset),
// creating it on first use. Repeated calls with the same triple return the
// same instance; the asset pair must be two distinct registered assets.
func (r *Registry) Generate(owner [20]byte, collateralAsset, debtAsset string) ([32]byte, *Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	collateral, ok := r.assets[collateralAsset]
	if !ok {
		return [32]byte{}, nil, fmt.Errorf("registry: unknown collateral asset %s", collateralAsset)
	}
	debt, ok := r.assets[debtAsset]
	if !ok {
		return [32]byte{}, nil, fmt.Errorf("registry: unknown debt asset %s", debtAsset)
	}
	if collateralAsset == debtAsset {
		return [32]byte{}, nil, fmt.Errorf("registry: collateral and debt asset must differ")
	}

	id := VaultID(owner, collateralAsset, debtAsset)
	if vault, exists := r.vaults[id]; exists {
		return id, vault, nil
	}

	var addr [20]byte
	copy(addr[:], id[:20])
	vault := NewVault(owner, addr, collateral, debt)
	vault.SetEmitter(r.emitter)
	vault.SetNowFunc(r.nowFn)
	r.vaults[id] = vault
	r.emitter.Emit(newVaultOpenedEvent(vault, id))
	return id, vault, nil
}

// IsGenuine reports whether the id names a vault this registry created.
func (r *Registry) IsGenuine(id [32]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.vaults[id]
	return ok
}

// VaultByID resolves a certified vault instance.
func (r *Registry) VaultByID(id [32]byte) (*Vault, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vault, ok := r.vaults[id]
	return vault, ok
}

// VaultIDs returns the ids of every vault the registry created, in no
// particular order.
func (r *Registry) VaultIDs() [][32]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([][32]byte, 0, len(r.vaults))
	for id := range r.vaults {
		ids = append(ids, id)
	}
	return ids
}

// VaultID derives the deterministic vault identifier for a triple.
func VaultID(owner [20]byte, collateralAsset, debtAsset string) [32]byte {
	return ethcrypto.Keccak256Hash(owner[:], []byte(collateralAsset), []byte(debtAsset))
}
