// Command cohort turns a goal into a team of role-bound AI workers and runs
// the plan step by step.
package main

func main() {
	Execute()
}
