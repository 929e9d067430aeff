package remote

import (
	"time"

	"github.com/JakeFAU/postharvest/internal/harvest"
)

const (
	tweetFields = "created_at,public_metrics,entities,referenced_tweets,author_id"
	expansions  = "author_id,referenced_tweets.id"
	userFields  = "username,name"
)

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

type userLookupResponse struct {
	Data   *apiUser   `json:"data"`
	Errors []apiError `json:"errors"`
}

type apiUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type tweetListResponse struct {
	Data     []apiTweet `json:"data"`
	Includes struct {
		Users []apiUser `json:"users"`
	} `json:"includes"`
	Meta struct {
		NextToken   string `json:"next_token"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
	Errors []apiError `json:"errors"`
}

type apiTweet struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	AuthorID      string    `json:"author_id"`
	CreatedAt     time.Time `json:"created_at"`
	PublicMetrics struct {
		LikeCount       int `json:"like_count"`
		RetweetCount    int `json:"retweet_count"`
		ReplyCount      int `json:"reply_count"`
		QuoteCount      int `json:"quote_count"`
		ImpressionCount int `json:"impression_count"`
	} `json:"public_metrics"`
	Entities struct {
		Hashtags []struct {
			Tag string `json:"tag"`
		} `json:"hashtags"`
		Cashtags []struct {
			Tag string `json:"tag"`
		} `json:"cashtags"`
		Mentions []struct {
			Username string `json:"username"`
		} `json:"mentions"`
		URLs []struct {
			ExpandedURL string `json:"expanded_url"`
		} `json:"urls"`
	} `json:"entities"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

type trendPlace struct {
	Trends []struct {
		Name        string `json:"name"`
		Query       string `json:"query"`
		TweetVolume *int   `json:"tweet_volume"`
	} `json:"trends"`
}

func (r tweetListResponse) page(body []byte, quota *harvest.QuotaMeta) harvest.Page {
	page := harvest.Page{
		Posts:     make([]harvest.RawPost, 0, len(r.Data)),
		Authors:   make([]harvest.Author, 0, len(r.Includes.Users)),
		NextToken: r.Meta.NextToken,
		Quota:     quota,
		Body:      body,
	}
	for _, u := range r.Includes.Users {
		page.Authors = append(page.Authors, harvest.Author{ID: u.ID, Handle: u.Username, Name: u.Name})
	}
	for _, t := range r.Data {
		page.Posts = append(page.Posts, t.rawPost())
	}
	return page
}

func (t apiTweet) rawPost() harvest.RawPost {
	post := harvest.RawPost{
		ID:        t.ID,
		AuthorID:  t.AuthorID,
		Text:      t.Text,
		CreatedAt: t.CreatedAt,
		Metrics: harvest.PostMetrics{
			Likes:       t.PublicMetrics.LikeCount,
			Reposts:     t.PublicMetrics.RetweetCount,
			Replies:     t.PublicMetrics.ReplyCount,
			Quotes:      t.PublicMetrics.QuoteCount,
			Impressions: t.PublicMetrics.ImpressionCount,
		},
	}
	for _, h := range t.Entities.Hashtags {
		post.Entities.Hashtags = append(post.Entities.Hashtags, h.Tag)
	}
	for _, c := range t.Entities.Cashtags {
		post.Entities.Cashtags = append(post.Entities.Cashtags, c.Tag)
	}
	for _, m := range t.Entities.Mentions {
		post.Entities.Mentions = append(post.Entities.Mentions, m.Username)
	}
	for _, u := range t.Entities.URLs {
		post.Entities.URLs = append(post.Entities.URLs, u.ExpandedURL)
	}
	for _, ref := range t.ReferencedTweets {
		post.ReferencedIDs = append(post.ReferencedIDs, ref.ID)
	}
	return post
}

func firstErrorDetail(errs []apiError) string {
	for _, e := range errs {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Title != "" {
			return e.Title
		}
	}
	return ""
}
