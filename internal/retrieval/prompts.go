package retrieval

// EmptyAnswer is returned verbatim when a report has no chunk matching the question.
const EmptyAnswer = "Unable to analyze report. No relevant text found."

// EmptyTrendAnswer is returned verbatim when a patient has no indexed report text.
const EmptyTrendAnswer = "Unable to analyze trends. No relevant text found in your reports."

const rewriteSystemPrompt = `Given a conversation between a patient and a medical assistant and a follow-up question, rewrite the follow-up question into a single standalone question that can be understood without the conversation.
Resolve pronouns and references such as "it", "that value" or "what about now" using the conversation.
Do not answer the question. Return only the rewritten question.`

const answerSystemPrompt = `You are a medical assistant. Using only the provided context (portions of the user's report), produce:
1) A concise probable diagnosis (1-2 lines)
2) Key findings from the report (bullet points)
3) Recommended next steps (tests/treatments), clearly labelled as suggestions and not medical advice.

Base every statement on the context. If the context does not contain enough information to answer the question, say so plainly instead of guessing.`

const trendSystemPrompt = `You are a medical assistant reviewing several reports from the same patient taken at different times.
Each context excerpt is tagged with its report name and upload date, and excerpts are listed oldest first.
Using only the provided context:
1) Summarize how the relevant values or findings changed over time, citing report dates.
2) Point out improvements, deteriorations or values that moved out of the normal range.
3) Suggest follow-up tests or discussions with a doctor, clearly labelled as suggestions and not medical advice.

If the context does not contain enough information to describe a trend, say so plainly instead of guessing.`

const answerMessageTemplate = `Context:
%s

User question:
%s`
