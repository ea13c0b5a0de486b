// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidAddress возвращается для строки, не являющейся адресом вида 0x + 40 hex-символов.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidAmount возвращается для суммы, не являющейся неотрицательным десятичным целым.
	ErrInvalidAmount = errors.New("invalid amount")
)

// ParseAddress проверяет и разбирает адрес аккаунта или токена.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, ErrInvalidAddress
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}

// ParseAmount разбирает сумму в минимальных единицах токена.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return nil, ErrInvalidAmount
		}
	}

	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return v, nil
}
