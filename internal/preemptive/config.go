// Package preemptive - config.go contains default configuration values.
//
// DESIGN: Centralized defaults and prompt texts for context management.
// These are used when the config file doesn't specify values.
// This file contains ONLY data - no logic/helpers.
package preemptive

import "time"

// =============================================================================
// LIMITS
// =============================================================================

const (
	// DefaultContextWindow is the upstream context size in tokens.
	DefaultContextWindow = 200000

	// KeepRecentMessages survive both summarization and the early pruning stages.
	KeepRecentMessages = 5

	// MinSummarizable is the number of older messages summarization needs.
	MinSummarizable = 5

	// SummaryPrefixChars is how much text a per-message summary keeps.
	SummaryPrefixChars = 100

	// Extraction caps for the summarization prompt.
	MaxConversationDataChars = 50000
	MaxUserQueryChars        = 10000
	MaxToolArgsChars         = 500
	MaxToolResultChars       = 300
)

// =============================================================================
// PROMPTS
// =============================================================================

// SummarizationInstructions organizes the summary by task.
const SummarizationInstructions = "You are preparing a summary for a new agent instance who will pick up this conversation.\n" +
	"\n" +
	"Organize the summary by TASKS/REQUESTS. For each distinct task or request the user made:\n" +
	"\n" +
	"For each task:\n" +
	"- **SHORT DESCRIPTION**: Brief description of the task/request\n" +
	"- **STATUS**: done | in-progress | not-started | abandoned\n" +
	"  * Use \"in-progress\" if ANY work remains, even if partially implemented\n" +
	"  * The most recent task should almost always be \"in-progress\"\n" +
	"  * Only use \"done\" if the conversation moved to a completely different task\n" +
	"  * Use \"abandoned\" when an approach was tried and explicitly discarded (note why in DETAILS)\n" +
	"- **USER QUERIES**: Which user queries relate to this task (reference by content)\n" +
	"- **DETAILS**: Additional context, decisions made, current state\n" +
	"  * Distinguish between what was discussed vs what was actually implemented\n" +
	"  * If only a partial fix or workaround was implemented, state explicitly what's missing\n" +
	"  * Pay extra close attention to the last file that was edited - the agent may have been cut off in the middle of edits\n" +
	"- **NEXT STEPS**: If status is \"in-progress\", list specific remaining work:\n" +
	"  * Exact files that need changes\n" +
	"  * Specific methods/functions that need to be added or modified\n" +
	"  * Any validation, error handling, or edge cases not yet addressed\n" +
	"- **FILEPATHS**: Files related to this specific task (use `code` formatting)\n" +
	"\n" +
	"After all tasks, include:\n" +
	"- **USER CORRECTIONS AND INSTRUCTIONS**: Specific instructions or corrections the user gave that apply across tasks\n" +
	"\n" +
	"## Example format:\n" +
	"\n" +
	"## TASK 1: Implement user authentication\n" +
	"- **STATUS**: done\n" +
	"- **USER QUERIES**: \"Add login endpoint\", \"Hash passwords\"\n" +
	"- **DETAILS**: Completed login endpoint with bcrypt hashing. Tested with 'npm test auth'.\n" +
	"- **FILEPATHS**: `src/auth/login.ts`, `src/models/user.ts`\n" +
	"\n" +
	"## TASK 2: Add error handling\n" +
	"- **STATUS**: in-progress\n" +
	"- **USER QUERIES**: \"Add validation middleware\"\n" +
	"- **DETAILS**: Created basic structure but still need error response formatting.\n" +
	"- **NEXT STEPS**:\n" +
	"  * Add error response formatting in `src/middleware/validation.ts`\n" +
	"  * Integrate middleware with routes in `src/routes/index.ts`\n" +
	"- **FILEPATHS**: `src/middleware/validation.ts`, `src/routes/index.ts`\n" +
	"\n" +
	"## USER CORRECTIONS AND INSTRUCTIONS:\n" +
	"- Use bcrypt for password hashing\n" +
	"- Run 'npm test auth' to test, not full suite\n" +
	"\n" +
	"## Files to read:\n" +
	"- `src/middleware/validation.ts`\n" +
	"- `src/routes/index.ts`\n"

// SummarizationSystemPrompt heads every summarization request.
const SummarizationSystemPrompt = "[SYSTEM NOTE: This is an automated summarization request due to context limit]\n" +
	"\n" +
	"IMPORTANT: Context limit reached. You MUST create a structured summary.\n" +
	"\n" +
	"Format your response using markdown syntax for better readability:\n" +
	"- Use ## for task headers (e.g., \"## TASK 1: Description\")\n" +
	"- Use **bold** for field labels (e.g., \"**STATUS**:\", \"**DETAILS**:\")\n" +
	"- Use `code` formatting for file paths\n" +
	"- Use bullet lists with - for items\n" +
	"\n" +
	SummarizationInstructions +
	"\n" +
	"Review the conversation history and create a comprehensive summary."

// ContextTransferAck follows the context transfer turn when the kept tail
// starts with a user turn.
const ContextTransferAck = "Understood. I have the context from our previous conversation and am ready to continue helping you."

// SystemContentPatterns mark injected text that is not a real user query.
var SystemContentPatterns = []string{
	"<EnvironmentContext>",
	"<steering-reminder>",
	"## Included Rules",
	"<ADDITIONAL_INSTRUCTIONS>",
	"Previous conversation summary:",
	"## CONVERSATION SUMMARY",
	"CONTEXT TRANSFER:",
	"[SYSTEM NOTE: This is an automated summarization request",
	"METADATA:\nThe previous conversation had",
	"INSTRUCTIONS:\nContinue working until the user query",
}

// TruncatedToolNames produce output too large to be worth summarizing.
// Matched case-insensitively as substrings; mcp_ tools are always truncated.
var TruncatedToolNames = []string{
	"Read", "ReadFile", "ReadMultipleFiles",
	"Bash", "executeBash", "executePwsh",
	"Grep", "GrepSearch",
	"Glob", "LSP",
}

// =============================================================================
// DEFAULT CONFIG
// =============================================================================

// DefaultConfig returns sensible defaults for context management.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		ContextWindow:          DefaultContextWindow,
		TriggerThreshold:       80.0,
		LocalUsageThreshold:    60.0,
		UpstreamUsageThreshold: 80.0,
		Cooldown:               3 * time.Minute,
		MinMessages:            8,
		CompletionReserve:      4096,
		SummaryTimeout:         2 * time.Minute,
		TokenMode:              "fast",
	}
}
