package prompts

// Built-in templates. Each instructs the model to answer with a single JSON
// object so the gateway can parse the reply strictly; anything outside the
// object is rejected, not coerced.

const classifyTemplate = `You are a task management assistant. Classify the task below into a single short category label such as "work", "personal", "finance", "health", "errand", or another concise lowercase label that fits better.

Task description:
{{description}}

Respond ONLY with a JSON object of the form {"category": "<label>"}. No additional text.`

const estimateTimeTemplate = `You are a task management assistant. Estimate how many minutes the task below will take to complete for a typical person. Be realistic; round to a whole number of minutes.

Task description:
{{description}}

Respond ONLY with a JSON object of the form {"estimated_minutes": <integer>}. No additional text.`

const recommendPriorityTemplate = `You are a task management assistant. Recommend a priority for the task below. The priority must be exactly one of: "low", "medium", "high", "urgent".

Task description:
{{description}}

Respond ONLY with a JSON object of the form {"priority": "<low|medium|high|urgent>"}. No additional text.`
