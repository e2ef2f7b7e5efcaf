// Package session stores conversations and drives streamed LLM turns.
//
// Invariants:
//   - Messages and tool execution records are pushed onto the session
//     document with single conditional writes, so concurrent appends never
//     overwrite each other.
//   - A StreamChat channel closes after exactly one done or error event from
//     the provider; tool failures surface as error events that carry the
//     tool call and do not end the turn.
//   - Agent state moves thinking -> executing -> idle, or to error when the
//     provider fails.
//
// Usage:
//
//	mgr, _ := session.New(session.Config{Store: st, Providers: set, Executor: exec})
//	s, _ := mgr.Create(ctx, "")
//	events, _ := mgr.StreamChat(ctx, session.ChatRequest{
//		SessionID: s.ID,
//		Provider:  llm.ProviderOpenAI,
//		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
//	})
//	for ev := range events {
//		_ = ev
//	}
package session
