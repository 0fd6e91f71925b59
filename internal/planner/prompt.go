package planner

// planningPrompt asks for a team roster and an ordered plan for a goal.
const planningPrompt = `You are the lead of a small team of AI specialists. Assemble the smallest team that can accomplish the goal below, then write an ordered plan that assigns every step to exactly one team member.

Goal:
%s

Return ONLY a single JSON object with this exact structure (no other text):
{
  "team": ["role name", "another role name"],
  "plan": [
    {
      "agent": "role name from team",
      "task": "Concrete instruction for this step",
      "expected_output": "What this step should produce"
    }
  ]
}

Rules:
- Every "agent" in "plan" MUST be spelled exactly as one entry of "team"
- Role names are short job titles, e.g. "designer", "backend developer", "copywriter"
- Do not list the same role twice in "team"
- Steps run one at a time, in the order given
- Each task must be self-contained: the worker only sees its role, the shared project state and the task text
- When a step produces reusable facts (names, decisions, file lists), ask for them as a JSON object so later steps can build on them`
