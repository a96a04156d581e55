package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint on the shared instructions. Every step prompt repeats the same
// instructions for each call, so they are sent ahead of the per-call text.
// An empty ttl uses the API default of 5 minutes.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
