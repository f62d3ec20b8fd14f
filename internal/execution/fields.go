package execution

// FieldSpec documents one request field of an operation.
type FieldSpec struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

var (
	amountField    = FieldSpec{Name: "amount", Required: true, Description: "decimal token amount"}
	receiverField  = FieldSpec{Name: "receiver", Description: "share receiver, defaults to the delegator"}
	recipientField = FieldSpec{Name: "recipient", Description: "swap output recipient, defaults to the delegator"}
	minOutField    = FieldSpec{Name: "min_out", Required: true, Description: "decimal minimum output amount"}
	feeField       = FieldSpec{Name: "fee", Description: "pool fee tier in hundredths of a bip, defaults to the configured tier"}
	deadlineField  = FieldSpec{Name: "deadline", Description: "unix seconds, defaults to now plus the configured window"}
)

var operationFields = map[Kind][]FieldSpec{
	KindStakeMagma:          {amountField},
	KindUnstakeMagma:        {amountField},
	KindStakeKintsu:         {amountField, receiverField},
	KindRequestUnlockKintsu: {amountField},
	KindRedeemKintsu: {
		{Name: "unlock_index", Required: true, Description: "index returned by request_unlock_kintsu"},
		receiverField,
	},
	KindDirectSwap: {
		{Name: "from_token", Required: true, Description: "token symbol or address sold"},
		{Name: "to_token", Required: true, Description: "token symbol or address bought"},
		{Name: "amount_in", Required: true, Description: "decimal amount of from_token"},
		minOutField, feeField, recipientField, deadlineField,
	},
	KindInstantUnstakeKintsu: {
		{Name: "amount_in", Required: true, Description: "decimal amount of staked shares sold"},
		minOutField, feeField, recipientField, deadlineField,
		{Name: "unwrap", Description: "unwrap the wrapped native output, defaults to false"},
	},
	KindWrapNative:    {amountField},
	KindUnwrapWrapped: {amountField},
}

// Fields lists the request fields an operation kind accepts.
func Fields(kind Kind) []FieldSpec {
	specs := operationFields[kind]
	out := make([]FieldSpec, len(specs))
	copy(out, specs)
	return out
}
