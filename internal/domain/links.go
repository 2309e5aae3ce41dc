package domain

// ExtractLinks returns the URI of every link feature in the post's facets,
// in facet order. Mentions and hashtags are skipped.
func ExtractLinks(post Post) []string {
	var links []string
	for _, f := range post.Facets {
		for _, feat := range f.Features {
			if feat.Kind == FeatureLink {
				links = append(links, feat.URI)
			}
		}
	}
	return links
}
