package filter

// Field identifies the message property a condition tests
type Field string

const (
	FieldFrom      Field = "from"
	FieldTo        Field = "to"
	FieldCc        Field = "cc"
	FieldBcc       Field = "bcc"
	FieldSubject   Field = "subject"
	FieldBody      Field = "body"
	FieldDate      Field = "date"
	FieldFolder    Field = "folder"
	FieldTags      Field = "tags"
	FieldSize      Field = "size"
	FieldMessageID Field = "messageId"
	FieldStatus    Field = "status"
)

// Operator is the comparison applied between a field and a condition value
type Operator string

const (
	OpEquals     Operator = "equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpMatches    Operator = "matches"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpBetween    Operator = "between"
	OpIn         Operator = "in"
	OpNotIn      Operator = "notIn"
)

// Logic combines a group's conditions and subgroups
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition is a single typed field comparison. Values carries list operands
// (in/notIn/between); Value carries everything else. Conditions are treated as
// immutable once constructed.
type Condition struct {
	Field         Field    `json:"field"`
	Operator      Operator `json:"operator"`
	Value         string   `json:"value,omitempty"`
	Values        []string `json:"values,omitempty"`
	CaseSensitive bool     `json:"caseSensitive,omitempty"`
}

// Group is a recursive AND/OR tree of conditions. A group folds its own
// conditions and its nested groups with the same logic operator.
type Group struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions,omitempty"`
	Groups     []*Group    `json:"groups,omitempty"`
}

// ActionKind is the closed set of things a rule can do to a message
type ActionKind string

const (
	ActionMoveToFolder  ActionKind = "moveToFolder"
	ActionMarkRead      ActionKind = "markRead"
	ActionMarkImportant ActionKind = "markImportant"
	ActionAddLabel      ActionKind = "addLabel"
	ActionAutoArchive   ActionKind = "autoArchive"
	ActionAutoDelete    ActionKind = "autoDelete"
	ActionForward       ActionKind = "forward"
)

// Action is one effect applied when a rule matches
type Action struct {
	Kind   ActionKind `json:"kind"`
	Folder string     `json:"folderId,omitempty"`
	Label  string     `json:"label,omitempty"`
	Days   int        `json:"days,omitempty"`
	Email  string     `json:"email,omitempty"`
}

// Rule ties a condition tree to a list of actions
type Rule struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Enabled         bool     `json:"enabled"`
	Priority        int      `json:"priority"`
	Conditions      *Group   `json:"conditions"`
	Actions         []Action `json:"actions"`
	ApplyToExisting bool     `json:"applyToExisting,omitempty"`
}

// Address is an email address with optional display name
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Matchable is the narrow message view the evaluator needs. Both summary and
// full-detail message records satisfy it; BodyText returns the best text the
// caller has (plain text, stripped HTML, or snippet) - the evaluator never
// fetches anything itself.
type Matchable interface {
	Addresses(field Field) []Address
	Subject() string
	Date() int64 // unix seconds, 0 when unknown
	Size() int64
	BodyText() string
	Folder() string
	Tags() []string
	MessageID() string
	Unread() bool
	Starred() bool
}
