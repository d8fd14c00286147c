package prompt

const decomposeInstructions = "## Response Format\n" +
	`Respond with a single JSON document and nothing else:

` + "```json" + `
{"backlog": [{
  "type": "Phase", "id": "P1", "title": "...", "status": "Planned", "description": "...",
  "milestones": [{
    "type": "Milestone", "id": "P1.M1", "title": "...", "status": "Planned", "description": "...",
    "tasks": [{
      "type": "Task", "id": "P1.M1.T1", "title": "...", "status": "Planned", "description": "...",
      "subtasks": [{
        "type": "Subtask", "id": "P1.M1.T1.S1", "title": "...", "status": "Planned",
        "story_points": 2, "dependencies": [], "context_scope": "..."
      }]
    }]
  }]
}]}
` + "```" + `

Rules:
- Ids nest: every child id starts with its parent id followed by a dot.
- Story points are positive; keep subtasks small enough for one focused session.
- Dependencies list ids of other subtasks that must be complete first. No cycles.
- context_scope names the files, interfaces and constraints the subtask touches.
- Every status is "Planned".`

const researchInstructions = `## Instructions
Write the PRP as markdown with these sections:
- Goal: what done looks like for this subtask
- Context: relevant files, interfaces, data formats and conventions in this repository
- Implementation Steps: ordered, concrete steps
- Validation: commands to run and the results that prove the subtask is complete

Read the repository before writing. Do not change any files.`

const implementInstructions = `## Instructions
- Make the changes needed to complete this subtask, following the PRP
- Run the validation commands from the PRP before finishing
- If you're unsure about something, state it clearly rather than guessing
- If you cannot continue without information from the user, say: BLOCKED: [your question]
- Focus on the specific subtask, don't refactor unrelated code`

const bugHuntInstructions = `## Testing Approach
1. Scope analysis: map each requirement of the PRD to the completed work and note anything missing.
2. Creative end-to-end testing:
   - Happy path: the main user journeys work as described
   - Edge cases: empty, huge, malformed and boundary inputs
   - Workflows: multi-step flows in realistic order
   - Integration: components talk to each other correctly
   - Error handling: failures are reported clearly and do not corrupt state
   - State: data survives restarts and concurrent edits
   - Concurrency: parallel use does not race
   - Regression: previously working behavior still works
3. Adversarial testing: try to break it on purpose.

## Response Format
Respond with a single JSON document and nothing else:

` + "```json" + `
{
  "has_bugs": true,
  "summary": "...",
  "bugs": [{
    "id": "BUG-1",
    "severity": "critical | major | minor | cosmetic",
    "title": "...",
    "description": "...",
    "reproduction": "...",
    "location": "path/to/file.go:42"
  }],
  "recommendations": ["..."]
}
` + "```"

// deltaInstructions takes the next free phase number.
const deltaInstructions = "## Response Format\n" +
	`Compare the previous and new PRD against the current backlog and respond with a single JSON document:

` + "```json" + `
{
  "removed": ["P1.M2.T1"],
  "modified": ["P1.M1.T2.S1"],
  "new_phases": [{ "type": "Phase", "id": "P%[1]d", "...": "same shape as a backlog phase" }],
  "summary": "..."
}
` + "```" + `

Rules:
- removed: ids of items whose requirement no longer exists.
- modified: ids of subtasks that must be redone because their requirement changed.
- new_phases: work for new requirements only; number them from P%[1]d, all statuses "Planned".
- Leave everything else untouched.`
