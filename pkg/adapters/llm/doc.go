// Package llm provides completion functions backed by LLM providers.
//
// The factory creates a completion function based on provider configuration.
// Supported providers:
//   - anthropic: Anthropic Messages API
//   - openai: OpenAI Chat Completions, or any compatible endpoint via base URL
//   - langchain: langchaingo's OpenAI-compatible client
package llm
