package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/svpn-ledger/internal/gateway"
	"github.com/mmeshcher/svpn-ledger/internal/model"
	"github.com/mmeshcher/svpn-ledger/internal/validation"
)

type catalogFile struct {
	Tokens  []catalogEntry `yaml:"tokens"`
	Funding []fundingEntry `yaml:"funding"`
}

// fundingEntry задаёт начальный баланс для шлюза в памяти. Пустой allowance
// означает разрешение на весь баланс.
type fundingEntry struct {
	Account   string `yaml:"account"`
	Token     string `yaml:"token"`
	Balance   string `yaml:"balance"`
	Allowance string `yaml:"allowance"`
}

type catalogEntry struct {
	Token   string `yaml:"token"`
	Monthly string `yaml:"monthly"`
	Yearly  string `yaml:"yearly"`
}

// DefaultCatalog возвращает каталог, с которым контракт разворачивался изначально.
func DefaultCatalog() []model.TokenPricing {
	ether := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	usdt := big.NewInt(1_000_000)

	return []model.TokenPricing{
		{
			Token:        common.HexToAddress("0xc668695dcbCf682dE106Da94bDE65c9bc79362d3"),
			MonthlyPrice: new(big.Int).Mul(big.NewInt(100), ether),
			YearlyPrice:  new(big.Int).Mul(big.NewInt(200), ether),
		},
		{
			Token:        common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"),
			MonthlyPrice: new(big.Int).Mul(big.NewInt(10), usdt),
			YearlyPrice:  new(big.Int).Mul(big.NewInt(15), usdt),
		},
	}
}

// LoadCatalog читает каталог из YAML-файла. Для пустого пути возвращается DefaultCatalog.
func LoadCatalog(path string) ([]model.TokenPricing, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	file, err := readCatalogFile(path)
	if err != nil {
		return nil, err
	}

	if len(file.Tokens) == 0 {
		return nil, errors.New("catalog file has no tokens")
	}

	res := make([]model.TokenPricing, 0, len(file.Tokens))
	for i, e := range file.Tokens {
		entry, err := e.pricing()
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		res = append(res, entry)
	}

	return res, nil
}

// LoadFunding читает раздел funding файла каталога. Для пустого пути возвращает nil.
func LoadFunding(path string) ([]gateway.Grant, error) {
	if path == "" {
		return nil, nil
	}

	file, err := readCatalogFile(path)
	if err != nil {
		return nil, err
	}

	res := make([]gateway.Grant, 0, len(file.Funding))
	for i, e := range file.Funding {
		grant, err := e.grant()
		if err != nil {
			return nil, fmt.Errorf("funding entry %d: %w", i, err)
		}
		res = append(res, grant)
	}

	return res, nil
}

func readCatalogFile(path string) (*catalogFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	var file catalogFile
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return &file, nil
}

func (e fundingEntry) grant() (gateway.Grant, error) {
	account, err := validation.ParseAddress(e.Account)
	if err != nil {
		return gateway.Grant{}, fmt.Errorf("account: %w", err)
	}
	token, err := validation.ParseAddress(e.Token)
	if err != nil {
		return gateway.Grant{}, fmt.Errorf("token: %w", err)
	}
	balance, err := validation.ParseAmount(e.Balance)
	if err != nil {
		return gateway.Grant{}, fmt.Errorf("balance: %w", err)
	}

	allowance := balance
	if e.Allowance != "" {
		if allowance, err = validation.ParseAmount(e.Allowance); err != nil {
			return gateway.Grant{}, fmt.Errorf("allowance: %w", err)
		}
	}

	return gateway.Grant{Account: account, Token: token, Balance: balance, Allowance: allowance}, nil
}

func (e catalogEntry) pricing() (model.TokenPricing, error) {
	token, err := validation.ParseAddress(e.Token)
	if err != nil {
		return model.TokenPricing{}, fmt.Errorf("token: %w", err)
	}
	monthly, err := validation.ParseAmount(e.Monthly)
	if err != nil {
		return model.TokenPricing{}, fmt.Errorf("monthly: %w", err)
	}
	yearly, err := validation.ParseAmount(e.Yearly)
	if err != nil {
		return model.TokenPricing{}, fmt.Errorf("yearly: %w", err)
	}

	return model.TokenPricing{Token: token, MonthlyPrice: monthly, YearlyPrice: yearly}, nil
}
