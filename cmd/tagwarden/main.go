// tagwarden checks cloud resource tags against policy and remediates
// violations through approval workflows.
package main

func main() {
	Execute()
}
