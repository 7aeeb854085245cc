// Token registry: canonical, chain-agnostic token identities and their
// per-chain representations. Read-only after Load, so lookups need no lock.

package tokenregistry

import (
	"errors"
	"fmt"
	"strings"

	logger "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/crypto/blake2b"

	"github.com/zerobridge-io/zerobridge-go/common"
)

var (
	ErrConfigInvalid = errors.New("token registry config is invalid")
	ErrTokenNotFound = errors.New("token not found in registry")
)

// CanonicalTokenID is the chain-agnostic identifier of a token, derived
// from its normalized symbol.
type CanonicalTokenID string

// ChainToken is one token's representation on one chain.
type ChainToken struct {
	ChainID   uint64 `mapstructure:"chain_id"`
	ChainName string `mapstructure:"chain_name"`
	Address   string `mapstructure:"address"`
	Decimals  uint8  `mapstructure:"decimals"`
	Native    bool   `mapstructure:"native"`
}

// TokenMappings groups every representation of one canonical token.
type TokenMappings struct {
	CanonicalID     CanonicalTokenID
	Symbol          string
	Name            string
	Decimals        uint8
	Representations []ChainToken
}

type Registry struct {
	mappings map[CanonicalTokenID]*TokenMappings
	// (chainID, lowercased address) -> canonical id; uniqueness enforced at load
	reverse map[chainAddr]CanonicalTokenID
}

type chainAddr struct {
	chainID uint64
	address string
}

// file format
type tokenDefinition struct {
	Symbol          string       `mapstructure:"symbol"`
	Name            string       `mapstructure:"name"`
	Decimals        uint8        `mapstructure:"decimals"`
	Representations []ChainToken `mapstructure:"representations"`
}

type tokenFile struct {
	Tokens []tokenDefinition `mapstructure:"tokens"`
}

// Load reads the token registry file (toml/yaml/json, decided by extension).
// A file that aliases one chain address to two canonical ids is rejected.
func Load(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	var file tokenFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	return build(&file)
}

func build(file *tokenFile) (*Registry, error) {
	if len(file.Tokens) == 0 {
		return nil, fmt.Errorf("%w: no tokens defined", ErrConfigInvalid)
	}

	r := &Registry{
		mappings: make(map[CanonicalTokenID]*TokenMappings),
		reverse:  make(map[chainAddr]CanonicalTokenID),
	}

	for _, def := range file.Tokens {
		if def.Symbol == "" {
			return nil, fmt.Errorf("%w: token with empty symbol", ErrConfigInvalid)
		}

		id := ComputeCanonicalID(def.Symbol)
		if _, ok := r.mappings[id]; ok {
			return nil, fmt.Errorf("%w: duplicate token symbol %s", ErrConfigInvalid, def.Symbol)
		}

		tm := &TokenMappings{
			CanonicalID: id,
			Symbol:      def.Symbol,
			Name:        def.Name,
			Decimals:    def.Decimals,
		}

		for _, repr := range def.Representations {
			if repr.Address == "" {
				return nil, fmt.Errorf("%w: %s has a representation with empty address", ErrConfigInvalid, def.Symbol)
			}
			if repr.Decimals == 0 {
				repr.Decimals = def.Decimals
			}

			key := chainAddr{repr.ChainID, strings.ToLower(repr.Address)}
			if prev, ok := r.reverse[key]; ok && prev != id {
				return nil, fmt.Errorf("%w: chain %d address %s is aliased to two tokens",
					ErrConfigInvalid, repr.ChainID, repr.Address)
			}
			r.reverse[key] = id
			tm.Representations = append(tm.Representations, repr)
		}

		r.mappings[id] = tm
	}

	logger.WithFields(logger.Fields{
		"tokens":          len(r.mappings),
		"representations": len(r.reverse),
	}).Info("token registry loaded")

	return r, nil
}

// Resolve maps a chain-local token address to its representation on that
// chain. Address comparison is case-insensitive.
func (r *Registry) Resolve(chainID uint64, address string) (ChainToken, error) {
	id, ok := r.reverse[chainAddr{chainID, strings.ToLower(address)}]
	if !ok {
		return ChainToken{}, fmt.Errorf("%w: chain=%d address=%s", ErrTokenNotFound, chainID, address)
	}

	for _, repr := range r.mappings[id].Representations {
		if repr.ChainID == chainID {
			return repr, nil
		}
	}
	// reverse entry always points into mappings; this is unreachable
	return ChainToken{}, fmt.Errorf("%w: chain=%d address=%s", ErrTokenNotFound, chainID, address)
}

// ResolveOn finds the representation of the same canonical token on another
// chain, which is how a deposit's source token is mapped to its destination
// token.
func (r *Registry) ResolveOn(sourceChainID uint64, address string, targetChainID uint64) (ChainToken, error) {
	id, ok := r.reverse[chainAddr{sourceChainID, strings.ToLower(address)}]
	if !ok {
		return ChainToken{}, fmt.Errorf("%w: chain=%d address=%s", ErrTokenNotFound, sourceChainID, address)
	}
	for _, repr := range r.mappings[id].Representations {
		if repr.ChainID == targetChainID {
			return repr, nil
		}
	}
	return ChainToken{}, fmt.Errorf("%w: token %s has no representation on chain %d",
		ErrTokenNotFound, r.mappings[id].Symbol, targetChainID)
}

// RepresentationOn finds a canonical token's representation on one chain.
func (r *Registry) RepresentationOn(id CanonicalTokenID, chainID uint64) (ChainToken, error) {
	tm, ok := r.mappings[id]
	if !ok {
		return ChainToken{}, fmt.Errorf("%w: canonical id %s", ErrTokenNotFound, id)
	}
	for _, repr := range tm.Representations {
		if repr.ChainID == chainID {
			return repr, nil
		}
	}
	return ChainToken{}, fmt.Errorf("%w: token %s has no representation on chain %d",
		ErrTokenNotFound, tm.Symbol, chainID)
}

// CanonicalID returns the canonical id for a chain-local address, if known.
func (r *Registry) CanonicalID(chainID uint64, address string) (CanonicalTokenID, bool) {
	id, ok := r.reverse[chainAddr{chainID, strings.ToLower(address)}]
	return id, ok
}

// Representations returns every chain representation of a canonical token.
func (r *Registry) Representations(id CanonicalTokenID) (*TokenMappings, bool) {
	tm, ok := r.mappings[id]
	return tm, ok
}

func (r *Registry) SupportedChains(id CanonicalTokenID) []uint64 {
	tm, ok := r.mappings[id]
	if !ok {
		return nil
	}
	chains := make([]uint64, 0, len(tm.Representations))
	for _, repr := range tm.Representations {
		chains = append(chains, repr.ChainID)
	}
	return chains
}

func (r *Registry) IsSupported(chainID uint64, address string) bool {
	_, ok := r.reverse[chainAddr{chainID, strings.ToLower(address)}]
	return ok
}

func (r *Registry) Count() int {
	return len(r.mappings)
}

// ComputeCanonicalID hashes the normalized symbol with blake2b and keeps
// the first 16 bytes.
func ComputeCanonicalID(symbol string) CanonicalTokenID {
	sum := blake2b.Sum512([]byte(strings.ToUpper(symbol)))
	return CanonicalTokenID(common.ByteSliceToPureHexStr(sum[:16]))
}
