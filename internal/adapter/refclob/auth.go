// Package refclob is a reference implementation of the adapter.Adapter
// contract against a generic HMAC-authenticated CLOB-style REST+WebSocket
// API. It demonstrates the contract is satisfiable end to end; it is not
// wired to any real exchange.
//
// Grounded on the teacher's internal/exchange package (client.go, auth.go,
// ws.go), generalized from a single hardcoded Polymarket deployment to any
// exchange account the engine configures.
package refclob

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Credentials is the API key triplet used to HMAC-sign every trading
// request (mirrors the teacher's exchange.Credentials).
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Auth signs REST requests with HMAC-SHA256 over
// "timestamp + method + path [+ body]", matching the teacher's buildHMAC.
// It optionally also holds an EOA private key, letting it stand in for the
// teacher's L1 (EIP-712) auth layer — used once to prove wallet ownership
// and derive L2 API credentials, rather than for every trading request.
type Auth struct {
	address string

	mu    sync.RWMutex
	creds Credentials

	privateKey *ecdsa.PrivateKey
	walletAddr common.Address
	chainID    *big.Int
}

// NewAuth creates an Auth bound to one account address and its L2
// credentials.
func NewAuth(address string, creds Credentials) *Auth {
	return &Auth{address: address, creds: creds}
}

// WithWallet equips Auth with an EOA private key for L1 (EIP-712) signing,
// mirroring the teacher's Auth.privateKey/address derived from
// config.Wallet.PrivateKey. Accounts with L2 credentials already configured
// never need this; it is only exercised the first time an account derives
// its API key from its wallet.
func (a *Auth) WithWallet(privateKeyHex string, chainID int64) error {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return fmt.Errorf("refclob: parse private key: %w", err)
	}
	a.privateKey = privateKey
	a.walletAddr = crypto.PubkeyToAddress(privateKey.PublicKey)
	a.chainID = big.NewInt(chainID)
	return nil
}

// HasWallet reports whether WithWallet has been called successfully.
func (a *Auth) HasWallet() bool { return a.privateKey != nil }

// HasCredentials reports whether L2 API credentials are set.
func (a *Auth) HasCredentials() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds.APIKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

// SetCredentials installs L2 credentials derived via L1 auth.
func (a *Auth) SetCredentials(creds Credentials) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = creds
}

// Headers returns the signed header set for one L2-authenticated REST
// request.
func (a *Auth) Headers(method, path, body string) (map[string]string, error) {
	a.mu.RLock()
	creds := a.creds
	a.mu.RUnlock()

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := sign(creds.Secret, timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("refclob: sign request: %w", err)
	}
	return map[string]string{
		"X-Address":    a.address,
		"X-Signature":  sig,
		"X-Timestamp":  timestamp,
		"X-API-Key":    creds.APIKey,
		"X-Passphrase": creds.Passphrase,
	}, nil
}

// L1Headers returns the EIP-712-signed header set used once per account to
// prove wallet ownership while deriving L2 API credentials, matching the
// teacher's L1Headers/signClobAuth.
func (a *Auth) L1Headers(nonce int) (map[string]string, error) {
	if a.privateKey == nil {
		return nil, fmt.Errorf("refclob: wallet not configured, call WithWallet first")
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("refclob: sign wallet auth: %w", err)
	}
	return map[string]string{
		"X-Address":   a.walletAddr.Hex(),
		"X-Signature": sig,
		"X-Timestamp": timestamp,
		"X-Nonce":     strconv.Itoa(nonce),
	}, nil
}

// signClobAuth produces an EIP-712 signature attesting control of the
// wallet, the same "ClobAuth" typed-data shape the teacher uses to derive
// L2 keys from an L1 wallet signature.
func (a *Auth) signClobAuth(timestamp string, nonce int) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"address":   a.walletAddr.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// sign tries every common base64 variant for the secret, matching the
// teacher's defensive multi-decoder approach — exchanges are inconsistent
// about which flavor of base64 they hand back.
func sign(secret, timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path + body
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
