package lending

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"collend/storage"
)

var (
	vaultRecordPrefix = []byte("lending/vault/")
	vaultIndexKey     = []byte("lending/vaults")
)

// storedRequest mirrors Request with RLP-encodable field types. Timestamps and
// tenors are persisted as unsigned values; RLP has no signed integers.
type storedRequest struct {
	Amount           *big.Int
	Interest         *big.Int
	LoanToCollateral *big.Int
	Duration         uint64
	Active           bool
}

type storedLoan struct {
	Closed     bool
	RequestID  uint64
	Request    storedRequest
	Amount     *big.Int
	Collateral *big.Int
	Expiry     uint64
	Rollable   bool
	Lender     [20]byte
}

type storedVault struct {
	Owner    [20]byte
	Addr     [20]byte
	Requests []storedRequest
	Loans    []storedLoan
}

// storedVaultRef records the generation triple of a checkpointed vault so a
// restart can re-derive the vault before reloading its snapshot. The database
// interface has no key iteration; the index is the enumerable record.
type storedVaultRef struct {
	Owner           [20]byte
	CollateralAsset string
	DebtAsset       string
}

// VaultStore checkpoints vault ledgers into a key-value database so a daemon
// can restore them across restarts. The asset capabilities are not persisted;
// Load reattaches the snapshot to a vault wired with live ledgers.
type VaultStore struct {
	db storage.Database
}

// NewVaultStore constructs a store bound to the provided database.
func NewVaultStore(db storage.Database) *VaultStore {
	return &VaultStore{db: db}
}

// Save snapshots the vault's request and loan ledgers under the registry id.
func (s *VaultStore) Save(id [32]byte, v *Vault) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("vault store: database not configured")
	}
	if v == nil {
		return fmt.Errorf("vault store: nil vault")
	}
	stored, err := v.snapshot()
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return s.db.Put(vaultKey(id), encoded)
}

// Load restores a previously saved snapshot into the vault, replacing its
// ledgers. It reports false without error when no snapshot exists.
func (s *VaultStore) Load(id [32]byte, v *Vault) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("vault store: database not configured")
	}
	if v == nil {
		return false, fmt.Errorf("vault store: nil vault")
	}
	ok, err := s.db.Has(vaultKey(id))
	if err != nil || !ok {
		return false, err
	}
	encoded, err := s.db.Get(vaultKey(id))
	if err != nil {
		return false, err
	}
	var stored storedVault
	if err := rlp.DecodeBytes(encoded, &stored); err != nil {
		return false, err
	}
	if stored.Owner != v.owner || stored.Addr != v.addr {
		return false, fmt.Errorf("vault store: snapshot %s belongs to a different vault", hex.EncodeToString(id[:]))
	}
	return true, v.restore(&stored)
}

// Checkpoint snapshots every vault the registry created, together with an
// index of their generation triples so Restore can find them again.
func (s *VaultStore) Checkpoint(r *Registry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("vault store: database not configured")
	}
	if r == nil {
		return fmt.Errorf("vault store: nil registry")
	}
	ids := r.VaultIDs()
	refs := make([]storedVaultRef, 0, len(ids))
	for _, id := range ids {
		vault, ok := r.VaultByID(id)
		if !ok {
			continue
		}
		if err := s.Save(id, vault); err != nil {
			return err
		}
		refs = append(refs, storedVaultRef{
			Owner:           vault.Owner(),
			CollateralAsset: vault.CollateralToken().Symbol(),
			DebtAsset:       vault.DebtToken().Symbol(),
		})
	}
	encoded, err := rlp.EncodeToBytes(refs)
	if err != nil {
		return err
	}
	return s.db.Put(vaultIndexKey, encoded)
}

// Restore re-generates every vault named by the checkpoint index and reloads
// its snapshot into the registry, returning the number of vaults restored. A
// missing index means a fresh database and restores nothing.
func (s *VaultStore) Restore(r *Registry) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("vault store: database not configured")
	}
	if r == nil {
		return 0, fmt.Errorf("vault store: nil registry")
	}
	ok, err := s.db.Has(vaultIndexKey)
	if err != nil || !ok {
		return 0, err
	}
	encoded, err := s.db.Get(vaultIndexKey)
	if err != nil {
		return 0, err
	}
	var refs []storedVaultRef
	if err := rlp.DecodeBytes(encoded, &refs); err != nil {
		return 0, err
	}
	restored := 0
	for _, ref := range refs {
		id, vault, err := r.Generate(ref.Owner, ref.CollateralAsset, ref.DebtAsset)
		if err != nil {
			return restored, err
		}
		found, err := s.Load(id, vault)
		if err != nil {
			return restored, err
		}
		if found {
			restored++
		}
	}
	return restored, nil
}

func vaultKey(id [32]byte) []byte {
	encoded := hex.EncodeToString(id[:])
	buf := make([]byte, len(vaultRecordPrefix)+len(encoded))
	copy(buf, vaultRecordPrefix)
	copy(buf[len(vaultRecordPrefix):], encoded)
	return buf
}

func (v *Vault) snapshot() (*storedVault, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stored := &storedVault{
		Owner:    v.owner,
		Addr:     v.addr,
		Requests: make([]storedRequest, 0, len(v.requests)),
		Loans:    make([]storedLoan, 0, len(v.loans)),
	}
	for _, req := range v.requests {
		enc, err := toStoredRequest(req)
		if err != nil {
			return nil, err
		}
		stored.Requests = append(stored.Requests, enc)
	}
	for _, loan := range v.loans {
		if loan == nil {
			stored.Loans = append(stored.Loans, storedLoan{Closed: true})
			continue
		}
		req, err := toStoredRequest(&loan.Request)
		if err != nil {
			return nil, err
		}
		expiry, err := int64ToUint64(loan.Expiry)
		if err != nil {
			return nil, fmt.Errorf("vault store: loan %d expiry: %w", loan.ID, err)
		}
		stored.Loans = append(stored.Loans, storedLoan{
			RequestID:  loan.Request.ID,
			Request:    req,
			Amount:     cloneBigInt(loan.Amount),
			Collateral: cloneBigInt(loan.Collateral),
			Expiry:     expiry,
			Rollable:   loan.Rollable,
			Lender:     loan.Lender,
		})
	}
	return stored, nil
}

func (v *Vault) restore(stored *storedVault) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	requests := make([]*Request, 0, len(stored.Requests))
	for i, enc := range stored.Requests {
		req, err := fromStoredRequest(uint64(i), enc)
		if err != nil {
			return err
		}
		requests = append(requests, req)
	}
	loans := make([]*Loan, 0, len(stored.Loans))
	for i, enc := range stored.Loans {
		if enc.Closed {
			loans = append(loans, nil)
			continue
		}
		req, err := fromStoredRequest(enc.RequestID, enc.Request)
		if err != nil {
			return err
		}
		expiry, err := uint64ToInt64(enc.Expiry)
		if err != nil {
			return fmt.Errorf("vault store: loan %d expiry: %w", i, err)
		}
		loans = append(loans, &Loan{
			ID:         uint64(i),
			Request:    *req,
			Amount:     cloneBigInt(enc.Amount),
			Collateral: cloneBigInt(enc.Collateral),
			Expiry:     expiry,
			Rollable:   enc.Rollable,
			Lender:     enc.Lender,
		})
	}
	v.requests = requests
	v.loans = loans
	return nil
}

func toStoredRequest(req *Request) (storedRequest, error) {
	if req == nil {
		return storedRequest{}, fmt.Errorf("vault store: nil request")
	}
	duration, err := int64ToUint64(req.Duration)
	if err != nil {
		return storedRequest{}, fmt.Errorf("vault store: request %d duration: %w", req.ID, err)
	}
	return storedRequest{
		Amount:           cloneBigInt(req.Amount),
		Interest:         cloneBigInt(req.Interest),
		LoanToCollateral: cloneBigInt(req.LoanToCollateral),
		Duration:         duration,
		Active:           req.Active,
	}, nil
}

func fromStoredRequest(id uint64, enc storedRequest) (*Request, error) {
	duration, err := uint64ToInt64(enc.Duration)
	if err != nil {
		return nil, fmt.Errorf("vault store: request %d duration: %w", id, err)
	}
	return &Request{
		ID:               id,
		Amount:           cloneBigInt(enc.Amount),
		Interest:         cloneBigInt(enc.Interest),
		LoanToCollateral: cloneBigInt(enc.LoanToCollateral),
		Duration:         duration,
		Active:           enc.Active,
	}, nil
}

func int64ToUint64(value int64) (uint64, error) {
	if value < 0 {
		return 0, fmt.Errorf("negative value %d", value)
	}
	return uint64(value), nil
}

func uint64ToInt64(value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds int64 range", value)
	}
	return int64(value), nil
}
