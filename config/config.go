package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

const DefaultClientTimeout = 15 * time.Second

type ClientConfig struct {
	Name    string                 `yaml:"name"`
	URLs    []string               `yaml:"urls"`
	Timeout string                 `yaml:"timeout"`
	Headers map[string]string      `yaml:"headers"`
	Options map[string]interface{} `yaml:"options"`
}

type ChainConfig struct {
	Code     string                 `yaml:"code"`
	FeeCode  string                 `yaml:"fee_code"`
	Impl     string                 `yaml:"impl"`
	Decimals int32                  `yaml:"decimals"`
	Options  map[string]interface{} `yaml:"options"`
	Clients  []ClientConfig         `yaml:"clients"`
}

type File struct {
	Chains []ChainConfig `yaml:"chains"`
}

// Registry holds the chains of a loaded file indexed by code.
type Registry struct {
	codes  []string
	chains map[string]*chain.ChainInfo
}

func LoadChains(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read chain config")
	}
	r, err := ParseChains(raw, DefaultClientTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	log.Info("loaded chain config", "path", path, "chains", len(r.codes))
	return r, nil
}

// ParseChains decodes a YAML chain file. Clients without a timeout get
// defaultTimeout.
func ParseChains(raw []byte, defaultTimeout time.Duration) (*Registry, error) {
	var f File
	if err := yaml.UnmarshalStrict(raw, &f); err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}
	r := &Registry{chains: make(map[string]*chain.ChainInfo, len(f.Chains))}
	for i, c := range f.Chains {
		if c.Code == "" || c.Impl == "" {
			return nil, fmt.Errorf("chain %d: code and impl are required", i)
		}
		if _, ok := r.chains[c.Code]; ok {
			return nil, fmt.Errorf("chain %s: duplicate code", c.Code)
		}
		info, err := c.chainInfo(defaultTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "chain %s", c.Code)
		}
		r.codes = append(r.codes, c.Code)
		r.chains[c.Code] = info
	}
	return r, nil
}

func (c ChainConfig) chainInfo(defaultTimeout time.Duration) (*chain.ChainInfo, error) {
	info := &chain.ChainInfo{
		Code:        c.Code,
		FeeCode:     c.FeeCode,
		Impl:        c.Impl,
		Decimals:    c.Decimals,
		ImplOptions: options(c.Options),
	}
	if info.FeeCode == "" {
		info.FeeCode = c.Code
	}
	for _, cl := range c.Clients {
		if cl.Name == "" {
			return nil, errors.New("client without name")
		}
		if len(cl.URLs) == 0 {
			return nil, fmt.Errorf("client %s: no urls", cl.Name)
		}
		timeout := defaultTimeout
		if cl.Timeout != "" {
			d, err := time.ParseDuration(cl.Timeout)
			if err != nil {
				return nil, errors.Wrapf(err, "client %s timeout", cl.Name)
			}
			timeout = d
		}
		info.Clients = append(info.Clients, chain.ClientConfig{
			Name:    cl.Name,
			URLs:    cl.URLs,
			Timeout: timeout,
			Headers: cl.Headers,
			Options: options(cl.Options),
		})
	}
	return info, nil
}

// ChainInfo returns a copy of the chain registered under code.
func (r *Registry) ChainInfo(code string) (*chain.ChainInfo, error) {
	info, ok := r.chains[code]
	if !ok {
		return nil, chain.NewNotFoundError("chain %s", code)
	}
	cp := *info
	cp.Clients = append([]chain.ClientConfig(nil), info.Clients...)
	return &cp, nil
}

// Codes lists chain codes in file order.
func (r *Registry) Codes() []string {
	return append([]string(nil), r.codes...)
}

// SetTimeout overrides the timeout of every client.
func (r *Registry) SetTimeout(d time.Duration) {
	for _, info := range r.chains {
		for i := range info.Clients {
			info.Clients[i].Timeout = d
		}
	}
}

// options converts the nested maps yaml.v2 yields to string keyed ones.
func options(in map[string]interface{}) chain.Options {
	out := make(chain.Options, len(in))
	for k, v := range in {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = normalize(e)
		}
		return m
	case []interface{}:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}
