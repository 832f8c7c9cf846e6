package reputation

import "strconv"

// AbuseIPDB report categories.
var categoryNames = map[int]string{
	1:  "DNS Compromise",
	2:  "DNS Poisoning",
	3:  "Fraud Orders",
	4:  "DDoS Attack",
	5:  "FTP Brute-Force",
	6:  "Ping of Death",
	7:  "Phishing",
	8:  "Fraud VoIP",
	9:  "Open Proxy",
	10: "Web Spam",
	11: "Email Spam",
	12: "Blog Spam",
	13: "VPN IP",
	14: "Port Scan",
	15: "Hacking",
	16: "SQL Injection",
	17: "Spoofing",
	18: "Brute-Force",
	19: "Bad Web Bot",
	20: "Exploited Host",
	21: "Web App Attack",
	22: "SSH",
	23: "IoT Targeted",
}

// CategoryName returns the display name of a report category.
func CategoryName(id int) string {
	if name, ok := categoryNames[id]; ok {
		return name
	}
	return "Category " + strconv.Itoa(id)
}

// CategoryNames maps ids to display names, keeping order.
func CategoryNames(ids []int) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = CategoryName(id)
	}
	return names
}
