package oauthdriver

import "testing"

func TestValidRegion(t *testing.T) {
	for _, r := range []string{"us-east-1", "us-west-2", "eu-west-1"} {
		if !ValidRegion(r) {
			t.Fatalf("expected %q to be allowed", r)
		}
	}
	if ValidRegion("mars-central-1") {
		t.Fatal("expected an unlisted region to be rejected")
	}
}

func TestValidStartURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://my-org.awsapps.com/start", true},
		{"https://my-org.awsapps.com/start/", true},
		{"http://my-org.awsapps.com/start", false},
		{"https://my-org.awsapps.com/", false},
		{"not a url", false},
		{"", false},
	}
	for _, c := range cases {
		if got := ValidStartURL(c.url); got != c.want {
			t.Errorf("ValidStartURL(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}
