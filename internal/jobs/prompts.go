package jobs

import "fmt"

// Prompts for the post-conversation LLM steps. Answers are requested as
// bare JSON so the parsers in post.go stay trivial; stripFences tolerates
// models that wrap anyway.

const memoryExtractionSystem = `You extract durable personal facts from conversation transcripts.
A durable fact is something worth remembering about the user or the people around them weeks later:
preferences, relationships, plans, commitments, life circumstances.
Ignore small talk, filler, and anything true only in the moment.`

func memoryExtractionPrompt(transcript string) string {
	return fmt.Sprintf(`Extract the durable facts from this transcript.
Respond with a JSON array of short third-person statements, e.g.
["Prefers oat milk in coffee", "Sister Ana lives in Lisbon"].
Respond with [] if there is nothing worth remembering. No prose, JSON only.

Transcript:
%s`, transcript)
}

const titleSummarySystem = `You title and summarise transcribed real-life conversations.
Write in the language the conversation was held in.`

func titleSummaryPrompt(transcript string) string {
	return fmt.Sprintf(`Produce a title and two summaries for this conversation.
Respond with a JSON object with exactly these keys:
  "title": at most 8 words,
  "summary": 1-2 sentences,
  "detailed_summary": one paragraph covering the topics discussed, decisions made, and follow-ups agreed.
No prose outside the JSON object.

Transcript:
%s`, transcript)
}
