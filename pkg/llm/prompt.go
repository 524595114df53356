package llm

import (
	"strings"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// DefaultSystemPrompt is used when no system prompt is configured
const DefaultSystemPrompt = `You are a TRON blockchain assistant.
Answer questions about accounts, balances, tokens, transactions, blocks and resources on the TRON network.
Use the available tools to fetch on-chain data instead of guessing. Amounts in SUN must be converted to TRX (1 TRX = 1,000,000 SUN).
When a tool returns an error, explain what went wrong and suggest a next step.
Never ask for or reveal private keys.`

// SummaryInstruction asks the model for a best-effort answer once the iteration cap is reached
const SummaryInstruction = "You have reached the maximum number of reasoning steps. " +
	"Do not call any more tools. Summarize what you found so far and give the best answer you can."

// BuildSystemPrompt folds the wallet context into the system instructions
func BuildSystemPrompt(base string, wallet *WalletContext) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	if wallet == nil || wallet.Address == "" {
		return base
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nConnected wallet:\n- Address: ")
	sb.WriteString(wallet.Address)
	if wallet.Network != "" {
		sb.WriteString("\n- Network: ")
		sb.WriteString(wallet.Network)
	}
	sb.WriteString("\nWhen the user says \"my wallet\" or \"my account\", use this address.")
	return sb.String()
}

// NewCallID returns a tool call id that is unique across calls and turns
func NewCallID() string {
	id, err := gonanoid.New(16)
	if err != nil {
		return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return "call_" + id
}
