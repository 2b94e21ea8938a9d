// Command email-scraper collects contact addresses from batches of websites.
package main

import "github.com/JakeFAU/email-scraper/cmd"

func main() {
	cmd.Execute()
}
