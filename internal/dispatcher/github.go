package dispatcher

import (
	"context"

	"github.com/go-resty/resty/v2"
)

// NearGitHubLimitThreshold: once remaining calls drop to this value or
// below, the worker tells the dispatcher it is near the GitHub API limit so
// it isn't handed tasks that need a fresh GitHub pull.
const NearGitHubLimitThreshold = 10

// RemainingGitHubAPICalls queries GitHub's public rate_limit endpoint. Any
// failure (network error, bad response, an account with no GitHub auth at
// all) is treated as "0 remaining" rather than propagated; with no way to
// tell, assuming no budget is left is the safe answer.
func RemainingGitHubAPICalls(ctx context.Context) int {
	var body struct {
		Resources struct {
			Core struct {
				Remaining int `json:"remaining"`
			} `json:"core"`
		} `json:"resources"`
	}
	client := resty.New().SetTimeout(Timeout)
	resp, err := client.R().SetContext(ctx).SetResult(&body).Get("https://api.github.com/rate_limit")
	if err != nil || resp.IsError() {
		return 0
	}
	return body.Resources.Core.Remaining
}
