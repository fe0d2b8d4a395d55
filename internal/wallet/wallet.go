package wallet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-node/internal/chain"
	klog "github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/tx"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Wallet errors.
var (
	ErrLocked      = errors.New("wallet is locked")
	ErrNotLockable = errors.New("wallet has no keystore passphrase")
	ErrForeignKey  = errors.New("key was not reserved from this wallet")
	ErrKeyReleased = errors.New("reserved key already kept or returned")
	ErrNoParent    = errors.New("no parent block")
)

// Config holds block reward settings.
type Config struct {
	BlockReward uint64        // Coinbase value of a proof-of-work block.
	StakeReward uint64        // Added to the staked value by a coinstake.
	StakeMinAge time.Duration // Minimum coin age before it may stake.
}

// Wallet is the mining key pool plus the coins available for staking.
// It is safe for concurrent use.
type Wallet struct {
	cfg      Config
	keystore *Keystore // nil for in-memory wallets
	name     string
	now      func() time.Time

	mu       sync.Mutex
	master   *HDKey // nil while locked
	next     uint32
	reserved map[uint32]bool
	coins    []Coin
}

// FromSeed creates an unlocked, in-memory wallet. It cannot be locked.
func FromSeed(seed []byte, cfg Config) (*Wallet, error) {
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	return &Wallet{
		cfg:      cfg,
		now:      time.Now,
		master:   master,
		reserved: make(map[uint32]bool),
	}, nil
}

// Open opens the named keystore wallet locked. Call Unlock before mining.
func Open(ks *Keystore, name string, cfg Config) (*Wallet, error) {
	next, err := ks.NextKeyIndex(name)
	if err != nil {
		return nil, err
	}
	return &Wallet{
		cfg:      cfg,
		keystore: ks,
		name:     name,
		now:      time.Now,
		next:     next,
		reserved: make(map[uint32]bool),
	}, nil
}

// Unlock decrypts the seed with passphrase.
func (w *Wallet) Unlock(passphrase []byte) error {
	if w.keystore == nil {
		return ErrNotLockable
	}
	seed, err := w.keystore.Load(w.name, passphrase)
	if err != nil {
		return err
	}
	defer zero(seed)
	master, err := NewMasterKey(seed)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.master = master
	w.mu.Unlock()
	klog.Wallet.Info().Str("wallet", w.name).Msg("Wallet unlocked")
	return nil
}

// Lock drops the decrypted keys. Keys already reserved keep working.
func (w *Wallet) Lock() error {
	if w.keystore == nil {
		return ErrNotLockable
	}
	w.mu.Lock()
	w.master = nil
	w.mu.Unlock()
	klog.Wallet.Info().Str("wallet", w.name).Msg("Wallet locked")
	return nil
}

// IsLocked reports whether the wallet needs a passphrase before it can
// reserve keys.
func (w *Wallet) IsLocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.master == nil
}

// ReservedKey is a mining key taken from the pool. Exactly one of Keep or
// Return must be called once the key is no longer needed.
type ReservedKey struct {
	w     *Wallet
	index uint32
	priv  *crypto.PrivateKey
	addr  types.Address

	mu   sync.Mutex
	done bool
}

// ReserveKey takes the lowest unreserved key from the pool.
func (w *Wallet) ReserveKey() (*ReservedKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.master == nil {
		return nil, ErrLocked
	}
	idx := w.next
	for w.reserved[idx] {
		idx++
	}
	hd, err := w.master.DeriveMiningKey(idx)
	if err != nil {
		return nil, err
	}
	priv, err := hd.PrivateKey()
	if err != nil {
		return nil, err
	}
	w.reserved[idx] = true
	return &ReservedKey{w: w, index: idx, priv: priv, addr: hd.Address()}, nil
}

// Index returns the key's pool index.
func (k *ReservedKey) Index() uint32 { return k.index }

// Address returns the address paying to the key.
func (k *ReservedKey) Address() types.Address { return k.addr }

// PublicKey returns the compressed public key.
func (k *ReservedKey) PublicKey() []byte { return k.priv.PublicKey() }

// Keep marks the key as consumed so it is never handed out again.
func (k *ReservedKey) Keep() {
	if !k.release() {
		return
	}
	w := k.w
	w.mu.Lock()
	delete(w.reserved, k.index)
	advanced := false
	if k.index >= w.next {
		w.next = k.index + 1
		advanced = true
	}
	next := w.next
	w.mu.Unlock()

	if advanced && w.keystore != nil {
		if err := w.keystore.SetNextKeyIndex(w.name, next); err != nil {
			klog.Wallet.Warn().Err(err).Msg("Failed to persist key index")
		}
	}
}

// Return puts the key back into the pool.
func (k *ReservedKey) Return() {
	if !k.release() {
		return
	}
	k.w.mu.Lock()
	delete(k.w.reserved, k.index)
	k.w.mu.Unlock()
}

func (k *ReservedKey) release() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.done {
		return false
	}
	k.done = true
	return true
}

func (w *Wallet) owns(k *ReservedKey) error {
	if k == nil || k.w != w {
		return ErrForeignKey
	}
	return nil
}

// AddCoin records an output the wallet may stake.
func (w *Wallet) AddCoin(c Coin) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addCoinLocked(c)
}

func (w *Wallet) addCoinLocked(c Coin) {
	for i := range w.coins {
		if w.coins[i].Outpoint == c.Outpoint {
			w.coins[i] = c
			return
		}
	}
	w.coins = append(w.coins, c)
}

// AddBlockReward applies a block this wallet produced once it has been
// accepted: non-empty coinbase outputs are credited, and a coinstake
// replaces the coin it spends with its own outputs, whose age restarts.
func (w *Wallet) AddBlockReward(blk *block.Block) {
	if blk == nil || len(blk.Transactions) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, t := range blk.Transactions {
		if i > 0 && !w.spendLocked(t) {
			continue
		}
		txid := t.Hash()
		for j, out := range t.Outputs {
			if out.IsEmpty() || out.Value == 0 {
				continue
			}
			w.addCoinLocked(Coin{
				Outpoint: types.Outpoint{TxID: txid, Index: uint32(j)},
				Value:    out.Value,
				Time:     blk.Header.Timestamp,
				Address:  out.Address,
			})
		}
	}
}

// spendLocked removes the coins t spends and reports whether any was ours.
func (w *Wallet) spendLocked(t *tx.Transaction) bool {
	spent := false
	for _, in := range t.Inputs {
		for i := range w.coins {
			if w.coins[i].Outpoint == in.PrevOut {
				w.coins = append(w.coins[:i], w.coins[i+1:]...)
				spent = true
				break
			}
		}
	}
	return spent
}

// Coins returns a copy of the stakeable coins.
func (w *Wallet) Coins() []Coin {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Coin(nil), w.coins...)
}

// Balance returns the total value of the stakeable coins.
func (w *Wallet) Balance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total uint64
	for _, c := range w.coins {
		total += c.Value
	}
	return total
}

// CreateCandidate builds an unsigned block on top of parent paying to key.
// For proof of stake it looks for a coin whose kernel meets the target and
// adds a coinstake spending it; when none qualifies the returned block is
// not a stake block.
func (w *Wallet) CreateCandidate(parent *chain.Index, key *ReservedKey, proofOfStake bool) (*block.Block, error) {
	if parent == nil {
		return nil, ErrNoParent
	}
	if err := w.owns(key); err != nil {
		return nil, err
	}
	if w.IsLocked() {
		return nil, ErrLocked
	}

	now := uint64(w.now().Unix())
	ts := max(now, parent.MedianTimePast+1)

	coinbase := &tx.Transaction{
		Version: 1,
		Time:    ts,
		Inputs:  []tx.Input{{}},
		Outputs: []tx.Output{{Value: w.cfg.BlockReward, Address: key.Address()}},
	}
	txs := []*tx.Transaction{coinbase}

	if proofOfStake {
		coinbase.Outputs[0] = tx.Output{}
		if coinstake := w.stake(parent, key, ts); coinstake != nil {
			txs = append(txs, coinstake)
		}
	}

	blk := block.NewBlock(&block.Header{
		Version:   block.CurrentVersion,
		PrevHash:  parent.Hash,
		Timestamp: ts,
		Height:    parent.Height + 1,
		Bits:      parent.Bits,
	}, txs)
	blk.RebuildMerkleRoot()
	return blk, nil
}

// stake finds a qualifying coin and returns a coinstake spending it, or nil.
// The wallet's coins are untouched until the block is accepted.
func (w *Wallet) stake(parent *chain.Index, key *ReservedKey, ts uint64) *tx.Transaction {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, c := range eligibleCoins(w.coins, ts, w.cfg.StakeMinAge) {
		if !CheckStakeKernel(parent.Hash, parent.Bits, c, ts) {
			continue
		}
		coinstake := &tx.Transaction{
			Version: 1,
			Time:    ts,
			Inputs:  []tx.Input{{PrevOut: c.Outpoint}},
			Outputs: []tx.Output{
				{},
				{Value: c.Value + w.cfg.StakeReward, Address: key.Address()},
			},
		}
		klog.Wallet.Debug().
			Str("coin", c.Outpoint.String()).
			Uint64("value", c.Value).
			Msg("Found stake kernel")
		return coinstake
	}
	return nil
}

// SignBlock signs the block header hash with key.
func (w *Wallet) SignBlock(blk *block.Block, key *ReservedKey) error {
	if err := w.owns(key); err != nil {
		return err
	}
	sig, err := key.priv.Sign(blk.Hash())
	if err != nil {
		return fmt.Errorf("sign block: %w", err)
	}
	blk.Header.Signature = sig
	return nil
}
