package sieve

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/filter"
)

func staticResolver(names map[string]string) FolderResolver {
	return func(id string) (string, bool) {
		name, ok := names[id]
		return name, ok
	}
}

func TestCompileSingleRule(t *testing.T) {
	rules := []filter.Rule{{
		ID:      "r1",
		Name:    "Newsletters",
		Enabled: true,
		Conditions: &filter.Group{Logic: filter.LogicAnd, Conditions: []filter.Condition{
			{Field: filter.FieldFrom, Operator: filter.OpContains, Value: "news@acme.example"},
		}},
		Actions: []filter.Action{
			{Kind: filter.ActionMoveToFolder, Folder: "f1"},
			{Kind: filter.ActionMarkRead},
		},
	}}

	result := Compile(rules, staticResolver(map[string]string{"f1": "Newsletters"}))
	require.Empty(t, result.Skipped)

	assert.Contains(t, result.Script, `require ["fileinto", "imap4flags"];`)
	assert.Contains(t, result.Script, `if header :contains "From" "news@acme.example" {`)
	assert.Contains(t, result.Script, `fileinto "Newsletters";`)
	assert.Contains(t, result.Script, `addflag "\\Seen";`)
	assert.Contains(t, result.Script, "# rule: Newsletters")
}

func TestCompileDisabledRulesIgnored(t *testing.T) {
	rules := []filter.Rule{{
		ID:      "r1",
		Name:    "Off",
		Enabled: false,
		Conditions: &filter.Group{Logic: filter.LogicAnd, Conditions: []filter.Condition{
			{Field: filter.FieldSubject, Operator: filter.OpContains, Value: "x"},
		}},
		Actions: []filter.Action{{Kind: filter.ActionMarkRead}},
	}}

	result := Compile(rules, nil)
	assert.Empty(t, result.Skipped)
	assert.Empty(t, strings.TrimSpace(result.Script))
}

func TestCompileHeaderMatchTypes(t *testing.T) {
	tests := []struct {
		name string
		cond filter.Condition
		want string
	}{
		{
			"equals",
			filter.Condition{Field: filter.FieldSubject, Operator: filter.OpEquals, Value: "hello"},
			`header :is "Subject" "hello"`,
		},
		{
			"contains",
			filter.Condition{Field: filter.FieldTo, Operator: filter.OpContains, Value: "me@example.com"},
			`header :contains "To" "me@example.com"`,
		},
		{
			"startsWith becomes matches",
			filter.Condition{Field: filter.FieldSubject, Operator: filter.OpStartsWith, Value: "RE:"},
			`header :matches "Subject" "RE:*"`,
		},
		{
			"endsWith becomes matches",
			filter.Condition{Field: filter.FieldSubject, Operator: filter.OpEndsWith, Value: "digest"},
			`header :matches "Subject" "*digest"`,
		},
		{
			"wildcard value promotes is to matches",
			filter.Condition{Field: filter.FieldFrom, Operator: filter.OpEquals, Value: "*@acme.example"},
			`header :matches "From" "*@acme.example"`,
		},
		{
			"quotes escaped",
			filter.Condition{Field: filter.FieldSubject, Operator: filter.OpContains, Value: `say "hi"`},
			`header :contains "Subject" "say \"hi\""`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compileCondition(tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileSizeBounds(t *testing.T) {
	tests := []struct {
		name string
		cond filter.Condition
		want string
	}{
		{"gt is strict over", filter.Condition{Field: filter.FieldSize, Operator: filter.OpGt, Value: "1000"}, "size :over 1000"},
		{"gte shifts down", filter.Condition{Field: filter.FieldSize, Operator: filter.OpGte, Value: "1000"}, "size :over 999"},
		{"lt is strict under", filter.Condition{Field: filter.FieldSize, Operator: filter.OpLt, Value: "1000"}, "size :under 1000"},
		{"lte shifts up", filter.Condition{Field: filter.FieldSize, Operator: filter.OpLte, Value: "1000"}, "size :under 1001"},
		{
			"between is inclusive both ends",
			filter.Condition{Field: filter.FieldSize, Operator: filter.OpBetween, Values: []string{"100", "200"}},
			"allof (size :over 99, size :under 201)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compileCondition(tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileGroupCombinators(t *testing.T) {
	g := &filter.Group{
		Logic: filter.LogicOr,
		Conditions: []filter.Condition{
			{Field: filter.FieldFrom, Operator: filter.OpContains, Value: "a"},
			{Field: filter.FieldFrom, Operator: filter.OpContains, Value: "b"},
		},
		Groups: []*filter.Group{{
			Logic: filter.LogicAnd,
			Conditions: []filter.Condition{
				{Field: filter.FieldSubject, Operator: filter.OpContains, Value: "c"},
				{Field: filter.FieldSize, Operator: filter.OpGt, Value: "5"},
			},
		}},
	}
	got, err := compileGroup(g)
	require.NoError(t, err)
	assert.Equal(t, `anyof (header :contains "From" "a", header :contains "From" "b", allof (header :contains "Subject" "c", size :over 5))`, got)
}

func TestCompileSingleTestHasNoCombinator(t *testing.T) {
	g := &filter.Group{Logic: filter.LogicAnd, Conditions: []filter.Condition{
		{Field: filter.FieldFrom, Operator: filter.OpContains, Value: "a"},
	}}
	got, err := compileGroup(g)
	require.NoError(t, err)
	assert.Equal(t, `header :contains "From" "a"`, got)
}

func TestCompileSkipsWholeRuleOnUntranslatableCondition(t *testing.T) {
	// One body condition anywhere poisons the whole rule, even though the
	// from condition alone would translate.
	rules := []filter.Rule{{
		ID:      "r1",
		Name:    "Mixed",
		Enabled: true,
		Conditions: &filter.Group{Logic: filter.LogicAnd, Conditions: []filter.Condition{
			{Field: filter.FieldFrom, Operator: filter.OpContains, Value: "a"},
			{Field: filter.FieldBody, Operator: filter.OpContains, Value: "unsubscribe"},
		}},
		Actions: []filter.Action{{Kind: filter.ActionMarkRead}},
	}}

	result := Compile(rules, nil)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "r1", result.Skipped[0].RuleID)
	assert.Empty(t, strings.TrimSpace(result.Script))
}

func TestCompileSkipsRuleWithNoTranslatableActions(t *testing.T) {
	rules := []filter.Rule{{
		ID:      "r1",
		Name:    "Archive later",
		Enabled: true,
		Conditions: &filter.Group{Logic: filter.LogicAnd, Conditions: []filter.Condition{
			{Field: filter.FieldFrom, Operator: filter.OpContains, Value: "a"},
		}},
		Actions: []filter.Action{{Kind: filter.ActionAutoArchive, Days: 30}},
	}}

	result := Compile(rules, nil)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "no translatable actions", result.Skipped[0].Reason)
}

func TestCompileUnresolvedFolderDropsFileinto(t *testing.T) {
	rules := []filter.Rule{{
		ID:      "r1",
		Name:    "Move",
		Enabled: true,
		Conditions: &filter.Group{Logic: filter.LogicAnd, Conditions: []filter.Condition{
			{Field: filter.FieldFrom, Operator: filter.OpContains, Value: "a"},
		}},
		Actions: []filter.Action{
			{Kind: filter.ActionMoveToFolder, Folder: "gone"},
			{Kind: filter.ActionMarkImportant},
		},
	}}

	result := Compile(rules, staticResolver(nil))
	require.Empty(t, result.Skipped)
	assert.NotContains(t, result.Script, "fileinto")
	assert.Contains(t, result.Script, `addflag "\\Flagged";`)
	// fileinto never made it in, so its capability is not required
	assert.Equal(t, `require ["imap4flags"];`, strings.SplitN(result.Script, "\n", 2)[0])
}

func TestCompileActionMapping(t *testing.T) {
	rules := []filter.Rule{{
		ID:      "r1",
		Name:    "Everything",
		Enabled: true,
		Conditions: &filter.Group{Logic: filter.LogicAnd, Conditions: []filter.Condition{
			{Field: filter.FieldFrom, Operator: filter.OpContains, Value: "a"},
		}},
		Actions: []filter.Action{
			{Kind: filter.ActionAddLabel, Label: "Receipts"},
			{Kind: filter.ActionAutoDelete},
			{Kind: filter.ActionForward, Email: "other@example.com"},
		},
	}}

	result := Compile(rules, nil)
	require.Empty(t, result.Skipped)
	assert.Contains(t, result.Script, `addflag "Receipts";`)
	assert.Contains(t, result.Script, "discard;")
	assert.Contains(t, result.Script, `redirect "other@example.com";`)
}

func TestCompileCommentSanitized(t *testing.T) {
	rules := []filter.Rule{{
		ID:      "r1",
		Name:    "multi\nline\rname",
		Enabled: true,
		Conditions: &filter.Group{Logic: filter.LogicAnd, Conditions: []filter.Condition{
			{Field: filter.FieldFrom, Operator: filter.OpContains, Value: "a"},
		}},
		Actions: []filter.Action{{Kind: filter.ActionMarkRead}},
	}}

	result := Compile(rules, nil)
	assert.Contains(t, result.Script, "# rule: multi line name")
	assert.NotContains(t, result.Script, "# rule: multi\nline")
}
