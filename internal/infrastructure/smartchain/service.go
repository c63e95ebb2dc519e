// Package smartchain implements ports.SwapContract against an EVM chain
// escrow contract holding the intermediary's per-token balances. Contract
// calls go through go-ethereum's abi/bind bound-contract helper; transaction
// confirmation is read from receipts the way an on-chain settlement
// verifier would.
package smartchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
	"github.com/hedgeflow/rebalancer/internal/core/ports"
)

// escrowABI describes the intermediary's escrow contract: per-token,
// per-usability balances, and withdraw/deposit moving funds between the
// contract and the intermediary's own wallet.
const escrowABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"token","type":"address"},{"name":"usable","type":"bool"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable",
	 "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"deposit","stateMutability":"nonpayable",
	 "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]}
]`

// Service is the smart-chain adapter (ports.SwapContract).
type Service struct {
	client      *ethclient.Client
	contract    *bind.BoundContract
	contractAbi abi.ABI
	address     common.Address
	tokens      domain.TokenAddresses
	chainId     *big.Int
	privateKey  string // hex-encoded, no 0x prefix

	mu          sync.Mutex
	onReplaceCb ports.TxReplaceFunc
}

var _ ports.SwapContract = (*Service)(nil)

// New constructs a Service against an already-dialed client. contractAddr is
// the escrow contract; tokens maps token symbols to their ERC-20 contract
// addresses; privateKeyHex signs outgoing transactions (no 0x prefix).
func New(client *ethclient.Client, contractAddr string, tokens domain.TokenAddresses, chainId int64, privateKeyHex string) (*Service, error) {
	parsedAbi, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("smartchain: parse escrow abi: %w", err)
	}
	addr := common.HexToAddress(contractAddr)
	return &Service{
		client:      client,
		contract:    bind.NewBoundContract(addr, parsedAbi, client, client, client),
		contractAbi: parsedAbi,
		address:     addr,
		tokens:      tokens,
		chainId:     big.NewInt(chainId),
		privateKey:  strings.TrimPrefix(privateKeyHex, "0x"),
	}, nil
}

func (s *Service) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("smartchain: parse private key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, s.chainId)
	if err != nil {
		return nil, fmt.Errorf("smartchain: build transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

// GetBalance returns the contract-held balance of token.
func (s *Service) GetBalance(ctx context.Context, token domain.Token, usable bool) (*big.Int, error) {
	var out []any
	tokenAddr := common.HexToAddress(s.tokens.Address(token))
	if err := s.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", tokenAddr, usable); err != nil {
		return nil, fmt.Errorf("smartchain: balanceOf(%s): %w", token, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("smartchain: balanceOf(%s) returned no value", token)
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("smartchain: unexpected balanceOf return type %T", out[0])
	}
	return amount, nil
}

func (s *Service) buildAndSign(ctx context.Context, method string, args ...any) (ports.RawTx, error) {
	auth, err := s.transactor(ctx)
	if err != nil {
		return "", err
	}
	auth.NoSend = true

	tx, err := s.contract.Transact(auth, method, args...)
	if err != nil {
		return "", fmt.Errorf("smartchain: build %s tx: %w", method, err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("smartchain: encode %s tx: %w", method, err)
	}
	return "0x" + common.Bytes2Hex(raw), nil
}

// TxsWithdraw builds a single candidate withdraw transaction.
func (s *Service) TxsWithdraw(ctx context.Context, token domain.Token, amount *big.Int) ([]ports.RawTx, error) {
	tokenAddr := common.HexToAddress(s.tokens.Address(token))
	rawTx, err := s.buildAndSign(ctx, "withdraw", tokenAddr, amount)
	if err != nil {
		return nil, err
	}
	return []ports.RawTx{rawTx}, nil
}

// TxsTransfer builds a single candidate ERC-20 transfer transaction moving
// amount of token from the intermediary's wallet to an external address.
func (s *Service) TxsTransfer(ctx context.Context, token domain.Token, amount *big.Int, to string) ([]ports.RawTx, error) {
	auth, err := s.transactor(ctx)
	if err != nil {
		return nil, err
	}
	auth.NoSend = true

	tokenAddr := common.HexToAddress(s.tokens.Address(token))
	toAddr := common.HexToAddress(to)
	erc20Abi, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("smartchain: parse erc20 abi: %w", err)
	}
	bound := bind.NewBoundContract(tokenAddr, erc20Abi, s.client, s.client, s.client)

	tx, err := bound.Transact(auth, "transfer", toAddr, amount)
	if err != nil {
		return nil, fmt.Errorf("smartchain: build transfer tx: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("smartchain: encode transfer tx: %w", err)
	}
	return []ports.RawTx{"0x" + common.Bytes2Hex(raw)}, nil
}

// erc20TransferABI is the minimal ERC-20 surface needed to move tokens out
// of the intermediary's own wallet.
const erc20TransferABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

// TxsDeposit builds a single candidate deposit-to-contract transaction.
func (s *Service) TxsDeposit(ctx context.Context, token domain.Token, amount *big.Int) ([]ports.RawTx, error) {
	tokenAddr := common.HexToAddress(s.tokens.Address(token))
	rawTx, err := s.buildAndSign(ctx, "deposit", tokenAddr, amount)
	if err != nil {
		return nil, err
	}
	return []ports.RawTx{rawTx}, nil
}

// SendAndConfirm broadcasts each candidate in turn, invoking onBroadcast
// before considering any of them acknowledged.
func (s *Service) SendAndConfirm(ctx context.Context, txs []ports.RawTx, onBroadcast ports.TxBroadcastFunc) error {
	for _, rawTx := range txs {
		tx, err := decodeRawTx(rawTx)
		if err != nil {
			return err
		}
		txId := tx.Hash().Hex()

		if err := onBroadcast(ctx, txId, rawTx); err != nil {
			return fmt.Errorf("smartchain: checkpoint before broadcast: %w", err)
		}
		if err := s.client.SendTransaction(ctx, tx); err != nil {
			return fmt.Errorf("smartchain: broadcast %s: %w", txId, err)
		}
	}
	return nil
}

func decodeRawTx(rawTx ports.RawTx) (*types.Transaction, error) {
	raw := common.FromHex(rawTx)
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("smartchain: decode raw tx: %w", err)
	}
	return tx, nil
}

// GetTxStatus resolves a not-yet-confirmed candidate to its current state.
func (s *Service) GetTxStatus(ctx context.Context, rawTx ports.RawTx) (ports.TxStatus, error) {
	tx, err := decodeRawTx(rawTx)
	if err != nil {
		return "", err
	}
	return s.GetTxIdStatus(ctx, tx.Hash().Hex())
}

// GetTxIdStatus resolves an already-broadcast transaction id to its current
// confirmation state. TransactionReceipt's ethereum.NotFound is ambiguous
// between "still pending" and "dropped from the mempool", so the mempool is
// checked first via TransactionByHash to tell the two apart.
func (s *Service) GetTxIdStatus(ctx context.Context, txId string) (ports.TxStatus, error) {
	hash := common.HexToHash(txId)

	_, isPending, err := s.client.TransactionByHash(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return ports.TxNotFound, nil
		}
		return "", fmt.Errorf("smartchain: fetch tx %s: %w", txId, err)
	}
	if isPending {
		return ports.TxPending, nil
	}

	receipt, err := s.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return ports.TxPending, nil
		}
		return "", fmt.Errorf("smartchain: fetch receipt %s: %w", txId, err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return ports.TxSuccess, nil
	}
	return ports.TxReverted, nil
}

// OnBeforeTxReplace registers the Supervisor's replacement callback.
func (s *Service) OnBeforeTxReplace(cb ports.TxReplaceFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReplaceCb = cb
}

// GetAddress returns the intermediary's own smart-chain wallet address.
func (s *Service) GetAddress(ctx context.Context) (string, error) {
	key, err := crypto.HexToECDSA(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("smartchain: parse private key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// ToTokenAddress resolves a configured token symbol to its on-chain
// contract address.
func (s *Service) ToTokenAddress(token domain.Token) string {
	return s.tokens.Address(token)
}
