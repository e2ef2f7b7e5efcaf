// Package llm streams chat completions from OpenAI, Anthropic and Gemini
// behind one Provider interface.
//
// Every StreamChat channel carries token and tool_call events and ends with
// exactly one done or error event before it is closed. Provider failures
// surface as errdefs.ErrExternalService; cancellation surfaces as
// context.Canceled.
//
//	set, _ := llm.NewSet(ctx, []llm.Config{{Provider: llm.ProviderOpenAI, APIKey: key}})
//	p, _ := set.Get(llm.ProviderOpenAI)
//	events, _ := p.StreamChat(ctx, llm.Request{Messages: msgs})
//	for ev := range events {
//		...
//	}
package llm
