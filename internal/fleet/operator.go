package fleet

import (
	"codeberg.org/mutker/wabot-instance/internal/config"
	"codeberg.org/mutker/wabot-instance/internal/protocol"
)

// Operator is the single identity allowed to run fleet commands. The zero
// value allows nobody.
type Operator struct {
	number string
	jid    string
}

func NewOperator(sudoNumber string) Operator {
	number := config.NormalizePhone(sudoNumber)
	if number == "" {
		return Operator{}
	}
	return Operator{number: number, jid: protocol.UserJID(number)}
}

// Enabled reports whether an operator is configured.
func (o Operator) Enabled() bool {
	return o.jid != ""
}

// Number returns the operator's phone number, digits only.
func (o Operator) Number() string {
	return o.number
}

// Allows reports whether sender, a user JID, is the operator.
func (o Operator) Allows(sender string) bool {
	return o.Enabled() && protocol.NormalizeUser(sender) == o.jid
}
