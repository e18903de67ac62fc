// Package detect decides whether a guest message asks for a human.
//
// Keywords is always available. LLM is used when an API key is configured,
// chained in front of Keywords so an API outage degrades to the phrase lists.
package detect
