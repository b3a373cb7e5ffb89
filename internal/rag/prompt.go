package rag

const classifyPrompt = `You decide whether a chat assistant must consult the document library before replying.
The input is the conversation so far as a JSON array of {"role","content"} messages.

Answer YES when the last user message asks for information that may be in the ingested documents.
Answer NO when:
- the answer is already present earlier in the conversation
- the message is off-topic for the documents
- the message is not a question (a greeting, statement or exclamation)

Reply with exactly YES or NO.`

const rephrasePrompt = `You rewrite the last user message of a conversation into a standalone search query.
The input is the conversation so far as a JSON array of {"role","content"} messages.
The search step only sees your output, so fold in every piece of earlier context the message depends on.
Reply with the rewritten message only.`

const summarizePrompt = `You answer a question using only the documents provided.
Pick out the information relevant to the query and summarize it in a friendly, conversational tone.
If the documents do not contain the answer, say so.
Format the answer as Markdown without HTML tags.`
