// flywheel is the audit-driven adaptive learning engine for operational AI
// agents: episodes in, bounded and reversible adaptations out.
package main

func main() {
	Execute()
}
