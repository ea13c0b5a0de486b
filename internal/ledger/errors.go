package ledger

import "errors"

var (
	// ErrUnauthorized возвращается, если операцию администратора вызывает другой аккаунт.
	ErrUnauthorized = errors.New("caller is not the administrator")
	// ErrTokenNotFound возвращается, если токена нет в каталоге.
	ErrTokenNotFound = errors.New("token not found")
	// ErrInsufficientBalance возвращается, если баланс плательщика меньше цены тарифа.
	ErrInsufficientBalance = errors.New("not enough balance")
	// ErrTransferFailed возвращается, если шлюз не выполнил перевод или запрос баланса.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrInvalidAmount возвращается для отрицательной или отсутствующей цены.
	ErrInvalidAmount = errors.New("price must be a non-negative integer")
)
