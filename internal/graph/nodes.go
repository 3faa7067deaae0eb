package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/contextwin"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
	"github.com/openlocus/locus/internal/rag"
	"github.com/openlocus/locus/internal/tools"
)

const (
	characterPrompt = "You are Locus, a helpful local assistant. Answer directly and concisely."

	queryGenPrompt = "Generate up to 3 concise web search queries for the user's request. " +
		"Output one query per line, nothing else."

	summaryPrompt = "Summarize the retrieved material below to answer the user's request. " +
		"Cite sources inline where they matter. If the material does not cover the request, say so."

	orderPrompt = "Break the user's request into a short ordered plan of concrete steps. " +
		"Output the numbered steps only."

	reactPrompt = "You are working through a plan step by step. Use the available tools when a step " +
		"needs external information or action. When the plan is complete, respond with your final " +
		"answer as plain text and no tool call."

	synthesizePrompt = "Write the final answer to the user's request using the plan and the " +
		"reasoning trace below. Respond to the user directly; do not mention the trace."

	modelUnavailableMsg = "I'm having trouble reaching the language model right now. Please try again shortly."
)

// MemoryService is the slice of the episodic memory pipeline the graph needs.
// A nil service selects the memory-free graph variant.
type MemoryService interface {
	Recall(ctx context.Context, sessionID, query string) ([]models.RecalledEpisode, string)
	FormFromLogprobs(ctx context.Context, sessionID string, tokens []string, logprobs []float64, signal [][]float32) []*models.EpisodicEvent
	FormFromText(ctx context.Context, sessionID, text string) []*models.EpisodicEvent
	Stats(ctx context.Context) (map[string]any, error)
}

// Retriever assembles retrieval-augmented context for the search route.
type Retriever interface {
	CollectChunks(ctx context.Context, in rag.CollectInput) (texts, sources []string)
	BuildContext(ctx context.Context, texts, sources []string, query string) string
}

// Deps carries the collaborators the conversation graph nodes depend on.
type Deps struct {
	LLM     ports.LLMService
	Tools   ports.ToolExecutor
	Memory  MemoryService
	RAG     Retriever
	Counter ports.TokenCounter
	Cfg     *config.Config
}

type nodes struct {
	deps Deps
}

// Build assembles the conversation graph. The memory nodes are wired in only
// when a memory service is attached; the route table is otherwise identical.
func Build(deps Deps) (*Graph, error) {
	n := &nodes{deps: deps}
	withMemory := deps.Memory != nil

	g := New().
		AddNode("route_input", n.routeInput).
		AddNode("direct_answer", n.directAnswer).
		AddNode("search_query_gen", n.searchQueryGen).
		AddNode("search_exec", n.searchExec).
		AddNode("search_summarize", n.searchSummarize).
		AddNode("order_gen", n.orderGen).
		AddNode("react_reason", n.reactReason).
		AddNode("tool_exec", n.toolExec).
		AddNode("scratchpad_update", n.scratchpadUpdate).
		AddNode("synthesize_final", n.synthesizeFinal).
		AddNode("stats", n.stats)

	terminal := End
	if withMemory {
		g.AddNode("recall", n.recall).
			AddNode("memory_form", n.memoryForm).
			AddEdge("recall", "route_input").
			AddEdge("memory_form", End).
			SetEntry("recall")
		terminal = "memory_form"
	} else {
		g.SetEntry("route_input")
	}

	g.AddConditionalEdge("route_input", routeByMode, map[string]string{
		"direct": "direct_answer",
		"search": "search_query_gen",
		"agent":  "order_gen",
		"stats":  "stats",
	}).
		AddEdge("direct_answer", terminal).
		AddEdge("search_query_gen", "search_exec").
		AddEdge("search_exec", "search_summarize").
		AddEdge("search_summarize", terminal).
		AddEdge("order_gen", "react_reason").
		AddConditionalEdge("react_reason", routeAfterReason, map[string]string{
			"tools":  "tool_exec",
			"finish": "synthesize_final",
			"retry":  "react_reason",
			"end":    terminal,
		}).
		AddEdge("tool_exec", "scratchpad_update").
		AddEdge("scratchpad_update", "react_reason").
		AddEdge("synthesize_final", terminal).
		AddEdge("stats", End)

	if err := g.Compile(); err != nil {
		return nil, err
	}
	return g, nil
}

func routeByMode(s *State) string {
	switch s.Mode {
	case "search":
		return "search"
	case "agent", "fast", "high":
		return "agent"
	case "stats":
		return "stats"
	default:
		return "direct"
	}
}

// routeAfterReason applies the ReAct termination rule: a set outcome ends the
// loop, a trailing AI message with tool calls continues it, a trailing
// correction note retries reasoning, anything else finishes.
func routeAfterReason(s *State) string {
	if s.AgentOutcome != "" {
		return "end"
	}
	if len(s.Scratchpad) == 0 {
		return "finish"
	}
	last := s.Scratchpad[len(s.Scratchpad)-1]
	if last.Kind == models.KindAI && len(last.ToolCalls) > 0 {
		return "tools"
	}
	if last.Kind == models.KindSystem {
		return "retry"
	}
	return "finish"
}

func (n *nodes) recall(ctx context.Context, run *Run) (Delta, error) {
	episodes, synthesized := n.deps.Memory.Recall(ctx, run.State.SessionID, run.State.Input)
	return Delta{
		keyRecalledEpisodes:  episodes,
		keySynthesizedMemory: synthesized,
	}, nil
}

func (n *nodes) routeInput(ctx context.Context, run *Run) (Delta, error) {
	return Delta{}, nil
}

func (n *nodes) directAnswer(ctx context.Context, run *Run) (Delta, error) {
	s := run.State
	client, err := n.deps.LLM.GetClient(ctx, ports.RoleCharacter, "", "")
	if err != nil {
		log.Printf("[Graph] Character model unavailable: %v", err)
		run.Emit(Event{Type: EventChatStream, Node: "direct_answer", Content: modelUnavailableMsg})
		return Delta{keyFinalContent: modelUnavailableMsg}, nil
	}

	system := characterPrompt
	if s.SynthesizedMemory != "" {
		system += "\n\n" + s.SynthesizedMemory
	}
	trimmed, _ := contextwin.BuildLocalContext(ctx, s.ChatHistory, n.deps.Cfg.App.ContextMaxTokens, n.deps.Counter)

	messages := make([]models.Message, 0, len(trimmed)+2)
	messages = append(messages, models.NewSystemMessage(system))
	messages = append(messages, trimmed...)
	messages = append(messages, models.NewHumanMessage(s.Input))

	content, logprobs, err := n.streamChat(ctx, run, "direct_answer", client, messages, nil)
	if err != nil {
		log.Printf("[Graph] Direct answer generation failed: %v", err)
		run.Emit(Event{Type: EventChatStream, Node: "direct_answer", Content: modelUnavailableMsg})
		return Delta{keyFinalContent: modelUnavailableMsg}, nil
	}

	updated := append(append([]models.Message{}, s.ChatHistory...),
		models.NewHumanMessage(s.Input), models.NewAIMessage(content))
	return Delta{
		keyFinalContent:       content,
		keyGenerationLogprobs: logprobs,
		keyUpdatedHistory:     updated,
	}, nil
}

func (n *nodes) searchQueryGen(ctx context.Context, run *Run) (Delta, error) {
	s := run.State
	queries := []string{s.Input}

	client, err := n.deps.LLM.GetClient(ctx, ports.RoleExecutor, "", "")
	if err != nil {
		log.Printf("[Graph] Executor model unavailable for query generation: %v", err)
		return Delta{keySearchQueries: queries}, nil
	}

	resp, err := client.Chat(ctx, []models.Message{
		models.NewSystemMessage(queryGenPrompt),
		models.NewHumanMessage(s.Input),
	}, nil, ports.ChatOptions{MaxTokens: 200})
	if err != nil {
		log.Printf("[Graph] Search query generation failed: %v", err)
		return Delta{keySearchQueries: queries}, nil
	}

	if parsed := parseQueries(resp.Content); len(parsed) > 0 {
		queries = parsed
	}
	return Delta{keySearchQueries: queries}, nil
}

func parseQueries(content string) []string {
	var queries []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "0123456789.-) ")
		line = strings.Trim(line, `"`)
		if line != "" {
			queries = append(queries, line)
		}
		if len(queries) == 3 {
			break
		}
	}
	return queries
}

func (n *nodes) searchExec(ctx context.Context, run *Run) (Delta, error) {
	s := run.State
	groups := []models.SearchGroup{}
	if s.SkipWebSearch || !n.deps.Tools.Has("web_search") {
		return Delta{keySearchResults: groups}, nil
	}

	for _, query := range s.SearchQueries {
		run.Emit(Event{Type: EventToolStart, Node: "search_exec", Tool: "web_search"})
		result := n.deps.Tools.AExecute(ctx, "web_search", map[string]any{"query": query})
		run.Emit(Event{Type: EventToolEnd, Node: "search_exec", Tool: "web_search"})

		if env, ok := tools.ParseErrorEnvelope(result); ok {
			log.Printf("[Graph] Web search for %q failed: %s", query, env.Message)
			continue
		}
		var payload struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"snippet"`
			} `json:"results"`
		}
		if err := json.Unmarshal([]byte(result), &payload); err != nil {
			log.Printf("[Graph] Unexpected web search result for %q: %v", query, err)
			continue
		}
		group := models.SearchGroup{Query: query}
		for _, hit := range payload.Results {
			group.Texts = append(group.Texts, strings.TrimSpace(hit.Title+". "+hit.Snippet))
			group.Sources = append(group.Sources, hit.URL)
		}
		if len(group.Texts) > 0 {
			groups = append(groups, group)
		}
	}
	return Delta{keySearchResults: groups}, nil
}

func (n *nodes) searchSummarize(ctx context.Context, run *Run) (Delta, error) {
	s := run.State

	topURL := ""
	if len(s.SearchResults) > 0 && len(s.SearchResults[0].Sources) > 0 {
		topURL = s.SearchResults[0].Sources[0]
	}
	texts, sources := n.deps.RAG.CollectChunks(ctx, rag.CollectInput{
		TopURL:       topURL,
		Attachments:  s.Attachments,
		Tools:        n.deps.Tools,
		SkipWebFetch: s.SkipWebSearch,
	})
	for _, group := range s.SearchResults {
		for i, text := range group.Texts {
			texts = append(texts, text)
			sources = append(sources, group.Sources[i])
		}
	}

	ragContext := n.deps.RAG.BuildContext(ctx, texts, sources, s.Input)
	if ragContext == "" {
		// Nothing retrieved and nothing attached: there is no material to
		// summarize, so the turn produces no content.
		return Delta{keyFinalContent: ""}, nil
	}

	client, err := n.deps.LLM.GetClient(ctx, ports.RoleCharacter, "", "")
	if err != nil {
		log.Printf("[Graph] Character model unavailable for summary: %v", err)
		run.Emit(Event{Type: EventChatStream, Node: "search_summarize", Content: modelUnavailableMsg})
		return Delta{keyFinalContent: modelUnavailableMsg}, nil
	}

	messages := []models.Message{
		models.NewSystemMessage(summaryPrompt + "\n\n" + ragContext),
		models.NewHumanMessage(s.Input),
	}
	content, logprobs, err := n.streamChat(ctx, run, "search_summarize", client, messages, nil)
	if err != nil {
		log.Printf("[Graph] Search summary generation failed: %v", err)
		run.Emit(Event{Type: EventChatStream, Node: "search_summarize", Content: modelUnavailableMsg})
		return Delta{keyFinalContent: modelUnavailableMsg}, nil
	}

	updated := append(append([]models.Message{}, s.ChatHistory...),
		models.NewHumanMessage(s.Input), models.NewAIMessage(content))
	return Delta{
		keyFinalContent:       content,
		keyGenerationLogprobs: logprobs,
		keyUpdatedHistory:     updated,
	}, nil
}

func (n *nodes) orderGen(ctx context.Context, run *Run) (Delta, error) {
	s := run.State
	orders := "1. Answer the user's request directly."

	client, err := n.deps.LLM.GetClient(ctx, ports.RoleExecutor, s.AgentMode, "")
	if err != nil {
		log.Printf("[Graph] Executor model unavailable for planning: %v", err)
	} else {
		resp, err := client.Chat(ctx, []models.Message{
			models.NewSystemMessage(orderPrompt),
			models.NewHumanMessage(s.Input),
		}, nil, ports.ChatOptions{MaxTokens: 400})
		if err != nil {
			log.Printf("[Graph] Plan generation failed: %v", err)
		} else if strings.TrimSpace(resp.Content) != "" {
			orders = strings.TrimSpace(resp.Content)
		}
	}

	return Delta{keyMessages: []models.Message{models.NewSystemMessage(orders)}}, nil
}

func (n *nodes) reactReason(ctx context.Context, run *Run) (Delta, error) {
	s := run.State
	if run.Entries["react_reason"] > run.Config.RecursionLimit {
		log.Printf("[Graph] Recursion limit reached after %d reasoning steps", run.Config.RecursionLimit)
		return Delta{keyAgentOutcome: summarizeScratchpad(s.Scratchpad)}, nil
	}

	client, err := n.deps.LLM.GetClient(ctx, ports.RoleExecutor, s.AgentMode, "")
	if err != nil {
		log.Printf("[Graph] Executor model unavailable for reasoning: %v", err)
		return Delta{keyAgentOutcome: modelUnavailableMsg}, nil
	}

	system := reactPrompt
	if orders := ordersFrom(s.Messages); orders != "" {
		system += "\n\nPlan:\n" + orders
	}
	if s.SynthesizedMemory != "" {
		system += "\n\n" + s.SynthesizedMemory
	}
	messages := []models.Message{
		models.NewSystemMessage(system),
		models.NewHumanMessage(s.Input),
	}
	if trace := FormatScratchpad(s.Scratchpad); trace != "" {
		messages = append(messages, models.NewSystemMessage("Trace so far:\n"+trace))
	}

	resp, err := client.Chat(ctx, messages, n.deps.Tools.List(), ports.ChatOptions{})
	if err != nil {
		log.Printf("[Graph] Reasoning step failed: %v", err)
		return Delta{keyAgentOutcome: modelUnavailableMsg}, nil
	}

	scratchpad := append([]models.Message{}, s.Scratchpad...)
	switch {
	case len(resp.ToolCalls) > 0:
		msg := models.NewAIMessage(resp.Content)
		msg.ToolCalls = resp.ToolCalls
		scratchpad = append(scratchpad, msg)
	case strings.TrimSpace(resp.Content) != "":
		scratchpad = append(scratchpad, models.NewAIMessage(resp.Content))
	default:
		// Malformed output: append a correction note and re-enter reasoning.
		scratchpad = append(scratchpad, models.NewSystemMessage(
			"Your last response was empty. Respond with a tool call or a final answer."))
	}
	return Delta{keyScratchpad: scratchpad}, nil
}

func ordersFrom(messages []models.Message) string {
	for _, msg := range messages {
		if msg.Kind == models.KindSystem && msg.Content != "" {
			return msg.Content
		}
	}
	return ""
}

func (n *nodes) toolExec(ctx context.Context, run *Run) (Delta, error) {
	s := run.State
	if len(s.Scratchpad) == 0 {
		return Delta{}, nil
	}
	last := s.Scratchpad[len(s.Scratchpad)-1]
	if last.Kind != models.KindAI || len(last.ToolCalls) == 0 {
		return Delta{}, nil
	}

	execCtx := ctx
	if run.Config.Approval != nil {
		execCtx = tools.WithApproval(ctx, run.Config.Approval)
	}

	scratchpad := append([]models.Message{}, s.Scratchpad...)
	for _, call := range last.ToolCalls {
		run.Emit(Event{Type: EventToolStart, Node: "tool_exec", Tool: call.Name})
		result := n.deps.Tools.AExecute(execCtx, call.Name, call.Arguments)
		run.Emit(Event{Type: EventToolEnd, Node: "tool_exec", Tool: call.Name})
		scratchpad = append(scratchpad, models.NewToolMessage(result, call.ID))
	}
	return Delta{keyScratchpad: scratchpad}, nil
}

const maxObservationChars = 4000

func (n *nodes) scratchpadUpdate(ctx context.Context, run *Run) (Delta, error) {
	s := run.State
	changed := false
	scratchpad := append([]models.Message{}, s.Scratchpad...)
	for i, msg := range scratchpad {
		if msg.Kind == models.KindTool && len(msg.Content) > maxObservationChars {
			msg.Content = msg.Content[:maxObservationChars] + "\n[truncated]"
			scratchpad[i] = msg
			changed = true
		}
	}
	if !changed {
		return Delta{}, nil
	}
	return Delta{keyScratchpad: scratchpad}, nil
}

func (n *nodes) synthesizeFinal(ctx context.Context, run *Run) (Delta, error) {
	s := run.State

	client, err := n.deps.LLM.GetClient(ctx, ports.RoleCharacter, "", "")
	if err != nil {
		log.Printf("[Graph] Character model unavailable for synthesis: %v", err)
		outcome := summarizeScratchpad(s.Scratchpad)
		run.Emit(Event{Type: EventChatStream, Node: "synthesize_final", Content: outcome})
		return n.finishAgent(s, outcome, nil), nil
	}

	system := synthesizePrompt
	if orders := ordersFrom(s.Messages); orders != "" {
		system += "\n\nPlan:\n" + orders
	}
	if trace := FormatScratchpad(s.Scratchpad); trace != "" {
		system += "\n\nTrace:\n" + trace
	}
	messages := []models.Message{
		models.NewSystemMessage(system),
		models.NewHumanMessage(s.Input),
	}

	content, logprobs, err := n.streamChat(ctx, run, "synthesize_final", client, messages, nil)
	if err != nil || strings.TrimSpace(content) == "" {
		if err != nil {
			log.Printf("[Graph] Final synthesis failed: %v", err)
		}
		content = summarizeScratchpad(s.Scratchpad)
		run.Emit(Event{Type: EventChatStream, Node: "synthesize_final", Content: content})
	}
	return n.finishAgent(s, content, logprobs), nil
}

func (n *nodes) finishAgent(s *State, content string, logprobs []models.TokenLogprob) Delta {
	updated := append(append([]models.Message{}, s.ChatHistory...),
		models.NewHumanMessage(s.Input), models.NewAIMessage(content))
	return Delta{
		keyAgentOutcome:       content,
		keyFinalContent:       content,
		keyGenerationLogprobs: logprobs,
		keyUpdatedHistory:     updated,
	}
}

func (n *nodes) memoryForm(ctx context.Context, run *Run) (Delta, error) {
	s := run.State
	switch {
	case len(s.GenerationLogprobs) > 0:
		tokens := make([]string, len(s.GenerationLogprobs))
		logprobs := make([]float64, len(s.GenerationLogprobs))
		for i, lp := range s.GenerationLogprobs {
			tokens[i] = lp.Token
			logprobs[i] = lp.Logprob
		}
		n.deps.Memory.FormFromLogprobs(ctx, s.SessionID, tokens, logprobs, nil)
	case s.FinalContent != "":
		n.deps.Memory.FormFromText(ctx, s.SessionID, s.Input+" "+s.FinalContent)
	}
	return Delta{}, nil
}

func (n *nodes) stats(ctx context.Context, run *Run) (Delta, error) {
	lines := []string{fmt.Sprintf("Tools available: %d", len(n.deps.Tools.List()))}
	if n.deps.Memory != nil {
		if stats, err := n.deps.Memory.Stats(ctx); err == nil {
			if data, err := json.MarshalIndent(stats, "", "  "); err == nil {
				lines = append(lines, "Memory: "+string(data))
			}
		} else {
			log.Printf("[Graph] Memory stats unavailable: %v", err)
		}
	}
	content := strings.Join(lines, "\n")
	run.Emit(Event{Type: EventChatStream, Node: "stats", Content: content})
	return Delta{keyFinalContent: content}, nil
}

// streamChat runs one streaming completion, forwarding content chunks as
// events and accumulating the full response and its logprobs.
func (n *nodes) streamChat(ctx context.Context, run *Run, node string, client ports.ChatClient, messages []models.Message, chatTools []models.Tool) (string, []models.TokenLogprob, error) {
	ch, err := client.ChatStream(ctx, messages, chatTools, ports.ChatOptions{Logprobs: true})
	if err != nil {
		return "", nil, err
	}

	var content strings.Builder
	var logprobs []models.TokenLogprob
	for chunk := range ch {
		if chunk.Err != nil {
			if content.Len() == 0 {
				return "", nil, chunk.Err
			}
			log.Printf("[Graph] Stream interrupted at node %s: %v", node, chunk.Err)
			break
		}
		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			run.Emit(Event{Type: EventChatStream, Node: node, Content: chunk.Content})
		}
		if chunk.Logprob != nil {
			logprobs = append(logprobs, *chunk.Logprob)
		}
		if chunk.Done {
			break
		}
	}
	return content.String(), logprobs, nil
}
