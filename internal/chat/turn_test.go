package chat

import (
	"encoding/json"
	"testing"

	"github.com/llmi/llmi/internal/testutil"
)

// TestTurnConstructors verifies role and content presence for each builder.
func TestTurnConstructors(testingHandle *testing.T) {
	user := User("hi")
	text, ok := user.Text()
	testutil.RequireTrue(testingHandle, ok, "user turn should carry content")
	testutil.RequireEqual(testingHandle, text, "hi", "user content mismatch")
	testutil.RequireEqual(testingHandle, user.Role(), RoleUser, "user role mismatch")

	assistant := Assistant("")
	testutil.RequireTrue(testingHandle, assistant.Complete(), "empty assistant content is still present")

	pending := Pending()
	_, ok = pending.Text()
	testutil.RequireTrue(testingHandle, !ok, "pending turn must have absent content")
	testutil.RequireEqual(testingHandle, pending.Role(), RoleAssistant, "pending role mismatch")
}

// TestRoleJSON verifies wire names and rejection of unknown roles.
func TestRoleJSON(testingHandle *testing.T) {
	data, err := json.Marshal(RoleAssistant)
	testutil.RequireNoError(testingHandle, err, "marshal role")
	testutil.RequireEqual(testingHandle, string(data), `"assistant"`, "role wire name")

	var role Role
	testutil.RequireNoError(testingHandle, json.Unmarshal([]byte(`"user"`), &role), "unmarshal role")
	testutil.RequireEqual(testingHandle, role, RoleUser, "parsed role")

	err = json.Unmarshal([]byte(`"system"`), &role)
	testutil.RequireError(testingHandle, err, "system is not a chat role")
}
