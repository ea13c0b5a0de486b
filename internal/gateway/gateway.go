// Package gateway описывает шлюз перевода средств, через который леджер
// списывает оплату и выводит накопленные балансы.
package gateway

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientFunds возвращается, если на счёте отправителя недостаточно токенов.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientAllowance возвращается, если плательщик не разрешил списание нужной суммы.
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	// ErrAmountOverflow возвращается, если сумма не помещается в 256 бит.
	ErrAmountOverflow = errors.New("amount overflows uint256")
)

// Gateway описывает примитивы токена, используемые леджером.
// Transfer переводит средства со счёта, которым владеет сам леджер.
type Gateway interface {
	BalanceOf(ctx context.Context, account, token common.Address) (*big.Int, error)
	TransferFrom(ctx context.Context, payer, recipient, token common.Address, amount *big.Int) error
	Transfer(ctx context.Context, recipient, token common.Address, amount *big.Int) error
}
