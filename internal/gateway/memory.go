package gateway

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type balanceKey struct {
	token   common.Address
	account common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Memory реализует Gateway в памяти процесса с семантикой ERC-20:
// балансы, разрешения на списание и выпуск токенов для разработки и тестов.
type Memory struct {
	mu         sync.Mutex
	holder     common.Address
	balances   map[balanceKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
}

// NewMemory создаёт шлюз, в котором holder является счётом леджера.
func NewMemory(holder common.Address) *Memory {
	return &Memory{
		holder:     holder,
		balances:   make(map[balanceKey]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

// Mint зачисляет amount токена token на счёт account.
func (m *Memory) Mint(account, token common.Address, amount *big.Int) error {
	v, err := toUint256(amount)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := balanceKey{token: token, account: account}
	sum, overflow := new(uint256.Int).AddOverflow(m.balance(key), v)
	if overflow {
		return ErrAmountOverflow
	}
	m.balances[key] = sum
	return nil
}

// Approve разрешает spender списывать со счёта owner до amount токена token.
func (m *Memory) Approve(owner, spender, token common.Address, amount *big.Int) error {
	v, err := toUint256(amount)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.allowances[allowanceKey{token: token, owner: owner, spender: spender}] = v
	return nil
}

// Allowance возвращает остаток разрешённого списания.
func (m *Memory) Allowance(owner, spender, token common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.allowances[allowanceKey{token: token, owner: owner, spender: spender}]; ok {
		return v.ToBig()
	}
	return new(big.Int)
}

// BalanceOf возвращает баланс account в токене token.
func (m *Memory) BalanceOf(_ context.Context, account, token common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.balance(balanceKey{token: token, account: account}).ToBig(), nil
}

// TransferFrom списывает amount со счёта payer в пользу recipient, расходуя
// разрешение, выданное плательщиком счёту леджера.
func (m *Memory) TransferFrom(ctx context.Context, payer, recipient, token common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v, err := toUint256(amount)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	akey := allowanceKey{token: token, owner: payer, spender: m.holder}
	allowed, ok := m.allowances[akey]
	if !ok {
		allowed = new(uint256.Int)
	}
	if allowed.Lt(v) {
		return fmt.Errorf("%w: %s", ErrInsufficientAllowance, payer.Hex())
	}

	if err := m.move(token, payer, recipient, v); err != nil {
		return err
	}

	m.allowances[akey] = new(uint256.Int).Sub(allowed, v)
	return nil
}

// Transfer переводит amount со счёта леджера на счёт recipient.
func (m *Memory) Transfer(ctx context.Context, recipient, token common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v, err := toUint256(amount)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.move(token, m.holder, recipient, v)
}

// move выполняет перевод целиком или не выполняет его вовсе. Вызывается под m.mu.
func (m *Memory) move(token, from, to common.Address, v *uint256.Int) error {
	fromKey := balanceKey{token: token, account: from}
	toKey := balanceKey{token: token, account: to}

	fromBal := m.balance(fromKey)
	if fromBal.Lt(v) {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, from.Hex())
	}
	if from == to {
		return nil
	}

	toBal, overflow := new(uint256.Int).AddOverflow(m.balance(toKey), v)
	if overflow {
		return ErrAmountOverflow
	}

	m.balances[fromKey] = new(uint256.Int).Sub(fromBal, v)
	m.balances[toKey] = toBal
	return nil
}

func (m *Memory) balance(key balanceKey) *uint256.Int {
	if v, ok := m.balances[key]; ok {
		return v
	}
	return new(uint256.Int)
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

// Grant описывает начальный баланс аккаунта и разрешение на списание счётом леджера.
type Grant struct {
	Account   common.Address
	Token     common.Address
	Balance   *big.Int
	Allowance *big.Int
}

// Fund выпускает балансы и выдаёт разрешения по списку grants.
// Используется для заполнения шлюза при локальном запуске.
func (m *Memory) Fund(grants []Grant) error {
	for _, g := range grants {
		if err := m.Mint(g.Account, g.Token, g.Balance); err != nil {
			return fmt.Errorf("mint %s to %s: %w", g.Token.Hex(), g.Account.Hex(), err)
		}
		if g.Allowance == nil {
			continue
		}
		if err := m.Approve(g.Account, m.holder, g.Token, g.Allowance); err != nil {
			return fmt.Errorf("approve %s for %s: %w", g.Token.Hex(), g.Account.Hex(), err)
		}
	}
	return nil
}
