package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Exchange contracts on Polygon mainnet.
var (
	ExchangeAddress        = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	NegRiskExchangeAddress = common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a")
)

var (
	authDomainTypeHash = ethcrypto.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)"))
	exchangeDomainTypeHash = ethcrypto.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	clobAuthTypeHash = ethcrypto.Keccak256([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)"))
	orderTypeHash = ethcrypto.Keccak256([]byte(
		"Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))
)

const clobAuthMessage = "This message attests that I control the given wallet"

// Order sides and signature types as encoded on chain.
const (
	SideBuy  uint8 = 0
	SideSell uint8 = 1

	SignatureEOA        uint8 = 0
	SignaturePolyProxy  uint8 = 1
	SignatureGnosisSafe uint8 = 2
)

// Order is the signed portion of a CLOB limit order.
type Order struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// Signer produces EIP-712 signatures for CLOB auth and orders.
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	authSep  []byte
	orderSep map[common.Address][]byte
}

// NewSigner binds key to a chain (137 mainnet, 80002 Amoy).
func NewSigner(key *ecdsa.PrivateKey, chainID int64) *Signer {
	cid := big.NewInt(chainID)
	s := &Signer{
		key:      key,
		address:  ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:  cid,
		orderSep: make(map[common.Address][]byte, 2),
	}
	s.authSep = ethcrypto.Keccak256(authDomainTypeHash,
		ethcrypto.Keccak256([]byte("ClobAuthDomain")),
		ethcrypto.Keccak256([]byte("1")),
		word(cid))
	for _, ex := range []common.Address{ExchangeAddress, NegRiskExchangeAddress} {
		s.orderSep[ex] = ethcrypto.Keccak256(exchangeDomainTypeHash,
			ethcrypto.Keccak256([]byte("Polymarket CTF Exchange")),
			ethcrypto.Keccak256([]byte("1")),
			word(cid),
			common.LeftPadBytes(ex.Bytes(), 32))
	}
	return s
}

// Address is the wallet address of the signing key.
func (s *Signer) Address() common.Address { return s.address }

// SignAuth signs the ClobAuth attestation used for L1 requests.
func (s *Signer) SignAuth(timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(
		clobAuthTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		ethcrypto.Keccak256([]byte(fmt.Sprint(timestamp))),
		word(big.NewInt(nonce)),
		ethcrypto.Keccak256([]byte(clobAuthMessage)),
	)
	return s.sign(s.authSep, structHash)
}

// SignOrder signs o for the given exchange contract.
func (s *Signer) SignOrder(o Order, exchange common.Address) (string, error) {
	sep, ok := s.orderSep[exchange]
	if !ok {
		return "", fmt.Errorf("crypto/signer: unknown exchange %s", exchange.Hex())
	}
	for name, v := range map[string]*big.Int{
		"salt": o.Salt, "tokenId": o.TokenID, "makerAmount": o.MakerAmount,
		"takerAmount": o.TakerAmount, "expiration": o.Expiration,
		"nonce": o.Nonce, "feeRateBps": o.FeeRateBps,
	} {
		if v == nil || v.Sign() < 0 {
			return "", fmt.Errorf("crypto/signer: order %s missing or negative", name)
		}
	}
	structHash := ethcrypto.Keccak256(
		orderTypeHash,
		word(o.Salt),
		common.LeftPadBytes(o.Maker.Bytes(), 32),
		common.LeftPadBytes(o.Signer.Bytes(), 32),
		common.LeftPadBytes(o.Taker.Bytes(), 32),
		word(o.TokenID),
		word(o.MakerAmount),
		word(o.TakerAmount),
		word(o.Expiration),
		word(o.Nonce),
		word(o.FeeRateBps),
		word(big.NewInt(int64(o.Side))),
		word(big.NewInt(int64(o.SignatureType))),
	)
	return s.sign(sep, structHash)
}

// sign returns 0x-hex r||s||v over keccak256(0x1901 || sep || structHash),
// with v in {27, 28}.
func (s *Signer) sign(sep, structHash []byte) (string, error) {
	digest := ethcrypto.Keccak256([]byte{0x19, 0x01}, sep, structHash)
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// word left-pads n to a 32-byte ABI word.
func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}
