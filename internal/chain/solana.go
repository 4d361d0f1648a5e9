package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var tokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

// splTransferInstruction is the SPL Token Transfer discriminator.
const splTransferInstruction = 3

// SolanaAsset describes one SPL token served on the chain.
type SolanaAsset struct {
	Mint     string
	Decimals int32
}

// SolanaAdapter submits SPL token transfers on the token-account model.
// Broadcasts are serialized with a mutex: there are no nonces to collide
// on, but sequencing keeps the custodial token account balance checks
// honest and avoids RPC throttling.
type SolanaAdapter struct {
	chain  string
	client *rpc.Client
	key    solana.PrivateKey
	payer  solana.PublicKey
	assets map[string]SolanaAsset
	mints  map[string]solana.PublicKey
	logger *zap.Logger

	mu sync.Mutex
}

// NewSolanaAdapter parses the base58 custodial key and pre-resolves all
// configured mints so bad asset configuration fails at startup.
func NewSolanaAdapter(chainName, rpcURL, signingKeyBase58 string, assets map[string]SolanaAsset, logger *zap.Logger) (*SolanaAdapter, error) {
	key, err := solana.PrivateKeyFromBase58(signingKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("parse %s signing key: %w", chainName, err)
	}
	mints := make(map[string]solana.PublicKey, len(assets))
	for currency, asset := range assets {
		mint, err := solana.PublicKeyFromBase58(asset.Mint)
		if err != nil {
			return nil, fmt.Errorf("invalid mint for %s on %s: %w", currency, chainName, err)
		}
		mints[currency] = mint
	}
	return &SolanaAdapter{
		chain:  chainName,
		client: rpc.New(rpcURL),
		key:    key,
		payer:  key.PublicKey(),
		assets: assets,
		mints:  mints,
		logger: logger.With(zap.String("chain", chainName)),
	}, nil
}

func (s *SolanaAdapter) Chain() string { return s.chain }

func (s *SolanaAdapter) SourceAddress() string { return s.payer.String() }

func (s *SolanaAdapter) ValidateAddress(address string) bool {
	_, err := solana.PublicKeyFromBase58(address)
	return err == nil
}

// Submit builds, signs, and broadcasts an SPL token transfer from the
// custodial token account to the destination owner's token account.
func (s *SolanaAdapter) Submit(ctx context.Context, destination string, amount decimal.Decimal, currency string) (string, error) {
	asset, ok := s.assets[currency]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, currency, s.chain)
	}
	mint := s.mints[currency]

	destOwner, err := solana.PublicKeyFromBase58(destination)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidDestination, destination)
	}
	units, err := ToBaseUnits(amount, asset.Decimals)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	if !units.IsUint64() {
		return "", fmt.Errorf("%w: amount %s overflows token unit", ErrSubmissionRejected, amount)
	}
	lamports := units.Uint64()

	s.mu.Lock()
	defer s.mu.Unlock()

	source, err := s.tokenAccount(ctx, s.payer, mint)
	if err != nil {
		return "", err
	}
	if source == nil {
		return "", fmt.Errorf("%w: no custodial token account for %s", ErrUnsupportedAsset, currency)
	}
	if err := s.checkTokenBalance(ctx, *source, lamports); err != nil {
		return "", err
	}
	dest, err := s.tokenAccount(ctx, destOwner, mint)
	if err != nil {
		return "", err
	}
	if dest == nil {
		return "", fmt.Errorf("%w: destination has no token account for %s", ErrInvalidDestination, currency)
	}

	bh, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("%w: latest blockhash: %v", ErrNetworkError, err)
	}

	data := make([]byte, 9)
	data[0] = splTransferInstruction
	binary.LittleEndian.PutUint64(data[1:], lamports)
	ix := solana.NewInstruction(tokenProgramID, solana.AccountMetaSlice{
		{PublicKey: *source, IsSigner: false, IsWritable: true},
		{PublicKey: *dest, IsSigner: false, IsWritable: true},
		{PublicKey: s.payer, IsSigner: true, IsWritable: false},
	}, data)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		bh.Value.Blockhash,
		solana.TransactionPayer(s.payer),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(s.payer) {
			return &s.key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	enc, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}

	sig, err := s.client.SendRawTransaction(ctx, enc)
	if err != nil {
		if isTransportError(err) {
			return "", fmt.Errorf("%w: broadcast: %v", ErrNetworkError, err)
		}
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}

	ref := sig.String()
	s.logger.Info("broadcast transfer",
		zap.String("tx_ref", ref),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return ref, nil
}

// TxStatus polls signature status: confirmed or finalized commitment with
// no error is Confirmed, an error field is Reverted, an unknown signature
// is NotFound.
func (s *SolanaAdapter) TxStatus(ctx context.Context, ref string) (TxStatus, error) {
	sig, err := solana.SignatureFromBase58(ref)
	if err != nil {
		return StatusNotFound, fmt.Errorf("malformed transaction reference %q: %w", ref, err)
	}
	out, err := s.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return StatusPending, fmt.Errorf("%w: signature status: %v", ErrNetworkError, err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return StatusNotFound, nil
	}
	st := out.Value[0]
	if st.Err != nil {
		return StatusReverted, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return StatusConfirmed, nil
	default:
		return StatusPending, nil
	}
}

// UnsignedPreview describes the transfer without touching the network.
func (s *SolanaAdapter) UnsignedPreview(destination string, amount decimal.Decimal, currency string) (*TxPreview, error) {
	asset, ok := s.assets[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, currency, s.chain)
	}
	units, err := ToBaseUnits(amount, asset.Decimals)
	if err != nil {
		return nil, err
	}
	return &TxPreview{
		Chain:       s.chain,
		From:        s.payer.String(),
		To:          destination,
		Currency:    currency,
		Amount:      amount.String(),
		AmountUnits: units.String(),
	}, nil
}

// tokenAccount returns the owner's token account for a mint, or nil when
// none exists. Owners can hold the same mint in several accounts; the
// associated token account wins, then the best-funded one.
func (s *SolanaAdapter) tokenAccount(ctx context.Context, owner, mint solana.PublicKey) (*solana.PublicKey, error) {
	accounts, err := s.client.GetTokenAccountsByOwner(ctx, owner, &rpc.GetTokenAccountsConfig{
		Mint: &mint,
	}, &rpc.GetTokenAccountsOpts{
		Encoding: solana.EncodingBase64,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: token accounts for %s: %v", ErrNetworkError, owner, err)
	}
	if len(accounts.Value) == 0 {
		return nil, nil
	}
	candidates := make([]splAccount, 0, len(accounts.Value))
	for _, acc := range accounts.Value {
		candidates = append(candidates, splAccount{
			pubkey: acc.Pubkey,
			amount: tokenAmount(acc.Account.Data.GetBinary()),
		})
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		ata = solana.PublicKey{}
	}
	pick := pickTokenAccount(ata, candidates)
	return &pick, nil
}

type splAccount struct {
	pubkey solana.PublicKey
	amount uint64
}

func pickTokenAccount(ata solana.PublicKey, accounts []splAccount) solana.PublicKey {
	best := accounts[0]
	for _, acc := range accounts {
		if acc.pubkey.Equals(ata) {
			return acc.pubkey
		}
		if acc.amount > best.amount {
			best = acc
		}
	}
	return best.pubkey
}

// tokenAmount reads the u64 amount field of a raw SPL token account
// (offset 64 in the account layout).
func tokenAmount(data []byte) uint64 {
	if len(data) < 72 {
		return 0
	}
	return binary.LittleEndian.Uint64(data[64:72])
}

func (s *SolanaAdapter) checkTokenBalance(ctx context.Context, account solana.PublicKey, needed uint64) error {
	bal, err := s.client.GetTokenAccountBalance(ctx, account, rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("%w: token balance: %v", ErrNetworkError, err)
	}
	var have uint64
	if bal != nil && bal.Value != nil {
		have, err = strconv.ParseUint(bal.Value.Amount, 10, 64)
		if err != nil {
			return fmt.Errorf("parse token balance %q: %w", bal.Value.Amount, err)
		}
	}
	if have < needed {
		return fmt.Errorf("%w: token balance %d below %d", ErrInsufficientFunds, have, needed)
	}
	return nil
}
