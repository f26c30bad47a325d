package ledgercore

import "github.com/mbd888/clearing-core/internal/storage"

// Action names a Ledger Core operation for authorization purposes.
type Action string

const (
	ActionCreateAccount     Action = "account.create"
	ActionGetAccount        Action = "account.get"
	ActionUpdateAccount     Action = "account.update"
	ActionDeleteAccount     Action = "account.delete"
	ActionRegenerateAPIKey  Action = "account.regenerateApiKey"
	ActionCredit            Action = "ledger.credit"
	ActionDebit             Action = "ledger.debit"
	ActionTransfer          Action = "ledger.transfer"
	ActionListTransactions  Action = "ledger.listTransactions"
	ActionGetStatistics     Action = "ledger.getStatistics"
)

// Principal identifies the actor driving a Ledger Core operation.
type Principal struct {
	AccountID string
	Roles     []storage.Role
}

func (p Principal) hasRole(r storage.Role) bool {
	for _, have := range p.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// selfOnly reports whether action, when restricted to "own account
// only", is satisfied by principal acting on target. Empty target
// (account creation, statistics) is always allowed through this check
// since there is no "own account" to compare against.
func selfOnly(p Principal, targetAccountID string) bool {
	return targetAccountID == "" || p.AccountID == targetAccountID
}

// Authorize implements the admin/operator/auditor/consumer/provider
// policy table from the authorization design: admin may do anything;
// operator may do everything except delete accounts; auditor may read
// but not mutate; consumer/provider may only operate on their own
// account.
func Authorize(p Principal, action Action, targetAccountID string) error {
	if p.hasRole(storage.RoleAdmin) {
		return nil
	}
	if p.hasRole(storage.RoleOperator) {
		if action == ActionDeleteAccount {
			return newErr(ErrForbidden, "operator may not delete accounts", nil)
		}
		return nil
	}
	if p.hasRole(storage.RoleAuditor) {
		switch action {
		case ActionGetAccount, ActionListTransactions, ActionGetStatistics:
			return nil
		default:
			return newErr(ErrForbidden, "auditor role is read-only", nil)
		}
	}
	if p.hasRole(storage.RoleConsumer) || p.hasRole(storage.RoleProvider) {
		switch action {
		case ActionCreateAccount, ActionGetStatistics:
			return newErr(ErrForbidden, "role may not perform "+string(action), nil)
		default:
			if selfOnly(p, targetAccountID) {
				return nil
			}
			return newErr(ErrForbidden, "may only operate on own account", nil)
		}
	}
	return newErr(ErrUnauthorized, "principal carries no recognized role", nil)
}
